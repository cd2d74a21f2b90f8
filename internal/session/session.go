// Package session manages the set of recording sessions kept under a data
// directory, one segment store per session.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/agleyzer/hlsrecorder/internal/record"
	"github.com/agleyzer/hlsrecorder/internal/segment"
	"github.com/agleyzer/hlsrecorder/internal/store"
)

// ErrNotFound is returned when a session has neither an open store nor a
// directory on disk.
var ErrNotFound = errors.New("session not found")

// Key identifies a session: one live broadcast of one room.
type Key struct {
	RoomID uint64 `json:"room_id"`
	LiveID uint64 `json:"live_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.RoomID, k.LiveID)
}

// Meta is recorded in the metadata store when a session starts.
type Meta struct {
	Key
	Title string `json:"title"`
	Cover string `json:"cover,omitempty"`
}

// Manager owns every open session store.
type Manager struct {
	mu       sync.RWMutex
	root     string
	sessions map[Key]*store.Store
	records  record.Store
	metrics  store.MetricsHook
	logger   *slog.Logger
}

// NewManager returns a manager rooted at dir. records may be nil when no
// metadata store is attached; metrics may be nil.
func NewManager(dir string, records record.Store, metrics store.MetricsHook, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		root:     dir,
		sessions: make(map[Key]*store.Store),
		records:  records,
		metrics:  metrics,
		logger:   logger,
	}
}

// Dir returns the working directory of a session.
func (m *Manager) Dir(k Key) string {
	return filepath.Join(m.root, strconv.FormatUint(k.RoomID, 10), strconv.FormatUint(k.LiveID, 10))
}

// Open starts or resumes a session and registers it in the metadata store.
// Opening an already open session returns its store.
func (m *Manager) Open(meta Meta) (*store.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[meta.Key]; ok {
		return s, nil
	}

	s, err := m.openLocked(meta.Key)
	if err != nil {
		return nil, err
	}

	if m.records != nil {
		if _, err := m.records.Add(meta.LiveID, meta.RoomID, meta.Title, meta.Cover); err != nil {
			m.logger.Error("failed to add session record", "session", meta.Key, "error", err)
		}
	}

	return s, nil
}

// Get returns an open session, loading it from disk when its directory
// exists.
func (m *Manager) Get(k Key) (*store.Store, error) {
	m.mu.RLock()
	s, ok := m.sessions[k]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(k)
}

// getLocked is Get for callers holding m.mu in write mode. The directory
// check and the open share the lock with Delete, so a removed session is
// never recreated by a concurrent reader.
func (m *Manager) getLocked(k Key) (*store.Store, error) {
	if s, ok := m.sessions[k]; ok {
		return s, nil
	}

	if _, err := os.Stat(m.Dir(k)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat session %s: %w", k, err)
	}
	return m.openLocked(k)
}

// Append adds e to a session, opening the session on first use.
func (m *Manager) Append(k Key, e segment.Entry) error {
	s, err := m.Get(k)
	if errors.Is(err, ErrNotFound) {
		s, err = m.Open(Meta{Key: k})
	}
	if err != nil {
		return err
	}
	return s.Append(e)
}

// List returns the keys of open sessions in ascending order.
func (m *Manager) List() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]Key, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RoomID != keys[j].RoomID {
			return keys[i].RoomID < keys[j].RoomID
		}
		return keys[i].LiveID < keys[j].LiveID
	})
	return keys
}

// ActiveCount returns the number of open sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Finish closes a session and reports its final length (whole seconds) and
// size to the metadata store. The log stays on disk for playback. A session
// whose metadata row is missing, for example one started before a restart
// with the in-memory store, gets a new untitled row.
func (m *Manager) Finish(k Key) (store.Stats, error) {
	m.mu.Lock()
	s, err := m.getLocked(k)
	if err != nil {
		m.mu.Unlock()
		return store.Stats{}, err
	}
	stats := s.Stats()
	delete(m.sessions, k)
	closeErr := s.Close()
	m.mu.Unlock()

	if closeErr != nil {
		return stats, fmt.Errorf("close session %s: %w", k, closeErr)
	}

	if m.records != nil {
		if err := m.recordFinish(k, stats); err != nil {
			return stats, err
		}
	}

	m.logger.Info("session finished",
		"session", k,
		"duration", stats.TotalDuration,
		"size", stats.TotalSize,
		"entries", stats.Entries,
	)
	return stats, nil
}

func (m *Manager) recordFinish(k Key, stats store.Stats) error {
	length := int64(math.Round(stats.TotalDuration))

	err := m.records.Update(k.LiveID, length, stats.TotalSize)
	if errors.Is(err, record.ErrNotFound) {
		m.logger.Warn("session record missing, recreating", "session", k)
		if _, err = m.records.Add(k.LiveID, k.RoomID, "", ""); err == nil {
			err = m.records.Update(k.LiveID, length, stats.TotalSize)
		}
	}
	if err != nil {
		return fmt.Errorf("update record %s: %w", k, err)
	}
	return nil
}

// Delete closes a session, removes its directory and its metadata row.
func (m *Manager) Delete(k Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[k]; ok {
		delete(m.sessions, k)
		if err := s.Close(); err != nil {
			m.logger.Warn("failed to close session before delete", "session", k, "error", err)
		}
	}

	if err := os.RemoveAll(m.Dir(k)); err != nil {
		return fmt.Errorf("remove session %s: %w", k, err)
	}

	if m.records != nil {
		if err := m.records.Remove(k.LiveID); err != nil {
			return fmt.Errorf("remove record %s: %w", k, err)
		}
	}

	m.logger.Info("session deleted", "session", k)
	return nil
}

// Close closes every open session.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for k, s := range m.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", k, err))
		}
		delete(m.sessions, k)
	}
	return errors.Join(errs...)
}

// openLocked loads a session store. Caller must hold m.mu in write mode.
func (m *Manager) openLocked(k Key) (*store.Store, error) {
	s, err := store.Open(store.Options{
		Dir:     m.Dir(k),
		Logger:  m.logger.With("session", k.String()),
		Metrics: m.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", k, err)
	}

	m.sessions[k] = s
	return s, nil
}

// Appended returns how many entries, headers included, the session has
// recorded. Unknown sessions report zero.
func (m *Manager) Appended(k Key) int {
	s, err := m.Get(k)
	if err != nil {
		return 0
	}
	return s.Stats().Appended
}
