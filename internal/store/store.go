// Package store keeps the per-session segment index and its backing log.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agleyzer/hlsrecorder/internal/entrylog"
	"github.com/agleyzer/hlsrecorder/internal/playlist"
	"github.com/agleyzer/hlsrecorder/internal/segment"
)

// ErrNotReady is returned by operations on a store that has not been loaded
// or has been closed.
var ErrNotReady = errors.New("store is not ready")

type lifecycle int

const (
	uninitialized lifecycle = iota
	ready
	closed
)

func (s lifecycle) String() string {
	switch s {
	case uninitialized:
		return "uninitialized"
	case ready:
		return "ready"
	case closed:
		return "closed"
	default:
		return "unknown"
	}
}

// MetricsHook observes store activity. Optional.
type MetricsHook interface {
	ObserveAppend(elapsed time.Duration, bytes uint64, failed bool)
	ObserveSkippedLine()
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveAppend(time.Duration, uint64, bool) {}
func (NoopMetrics) ObserveSkippedLine()                       {}

// Options configures a Store.
type Options struct {
	// Dir is the session working directory holding the log file.
	Dir string
	// Logger receives replay diagnostics and append failures. Optional.
	Logger *slog.Logger
	// Metrics observes appends and skipped lines. Optional.
	Metrics MetricsHook
}

// Stats is a point-in-time summary of a store.
type Stats struct {
	State            string  `json:"state"`
	Entries          int     `json:"entries"`
	Appended         int     `json:"appended"`
	HasHeader        bool    `json:"has_header"`
	TotalDuration    float64 `json:"total_duration"`
	TotalSize        uint64  `json:"total_size"`
	LastSequence     uint64  `json:"last_sequence"`
	ContinueSequence uint64  `json:"continue_sequence"`
	FirstTimestamp   int64   `json:"first_timestamp,omitempty"`
	LastTimestamp    int64   `json:"last_timestamp,omitempty"`
	SkippedLines     int     `json:"skipped_lines"`
	WriteFailures    int     `json:"write_failures"`
}

// Store owns one session's append log and the index rebuilt from it.
//
// A single producer appends while any number of readers render manifests.
// Append holds the write lock across write, sync and index update so that
// readers never observe a half-applied entry.
type Store struct {
	mu            sync.RWMutex
	state         lifecycle
	dir           string
	log           *entrylog.Log
	index         *Index
	skippedLines  int
	writeFailures int
	logger        *slog.Logger
	metrics       MetricsHook
}

// New returns an uninitialized store for opts.Dir. Call Load before use.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &Store{
		state:   uninitialized,
		dir:     opts.Dir,
		logger:  logger.With("dir", opts.Dir),
		metrics: metrics,
	}
}

// Open creates a store and loads it.
func Open(opts Options) (*Store, error) {
	s := New(opts)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load opens the log, replays it and rebuilds the index. Malformed lines
// are logged and skipped. A directory or file failure leaves the store
// uninitialized.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != uninitialized {
		return fmt.Errorf("load store in state %s", s.state)
	}

	l, err := entrylog.Open(s.dir)
	if err != nil {
		return fmt.Errorf("open entry log: %w", err)
	}

	skipped := 0
	replayed, err := l.Replay(func(lineNo int, line string, err error) {
		skipped++
		s.metrics.ObserveSkippedLine()
		s.logger.Warn("skipping malformed entry", "line", lineNo, "content", line, "error", err)
	})
	if err != nil {
		l.Close()
		return fmt.Errorf("replay entry log: %w", err)
	}

	s.log = l
	s.index = Rebuild(replayed)
	s.skippedLines = skipped
	s.state = ready

	s.logger.Info("loaded entry log",
		"entries", len(replayed),
		"skipped", skipped,
		"last_sequence", s.index.LastSequence(),
		"continue_sequence", s.index.ContinueSequence(),
	)
	return nil
}

// Append persists e and folds it into the index.
//
// A write or sync failure is logged and counted but the index still
// advances: live playback keeps going at the cost of the on-disk log
// missing the entry. Only a non-ready store or an unencodable entry is
// reported as an error, and in both cases nothing is recorded.
func (s *Store) Append(e segment.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ready {
		return ErrNotReady
	}

	start := time.Now()
	err := s.log.Append(e)
	s.metrics.ObserveAppend(time.Since(start), e.Size, err != nil)
	if err != nil {
		s.writeFailures++
		s.logger.Error("failed to persist entry", "sequence", e.Sequence, "url", e.URL, "error", err)
	}

	s.index.Apply(e)
	return nil
}

// Manifest renders a playlist from a consistent view of the index.
func (s *Store) Manifest(opts playlist.Options) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != ready {
		return "", ErrNotReady
	}

	return playlist.Generate(s.index.header, s.index.entries, opts), nil
}

// Header returns the current initialization segment, if any.
func (s *Store) Header() (segment.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != ready {
		return segment.Entry{}, false
	}
	return s.index.Header()
}

// Entries returns a copy of the non-header entries in arrival order.
func (s *Store) Entries() []segment.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != ready {
		return nil
	}
	out := make([]segment.Entry, len(s.index.entries))
	copy(out, s.index.entries)
	return out
}

// TotalDuration returns the summed duration of every appended entry.
func (s *Store) TotalDuration() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != ready {
		return 0
	}
	return s.index.TotalDuration()
}

// TotalSize returns the summed size of every appended entry.
func (s *Store) TotalSize() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != ready {
		return 0
	}
	return s.index.TotalSize()
}

// LastSequence returns the highest sequence number seen.
func (s *Store) LastSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != ready {
		return 0
	}
	return s.index.LastSequence()
}

// ContinueSequence returns the sequence number the producer should resume
// from after a restart.
func (s *Store) ContinueSequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != ready {
		return 0
	}
	return s.index.ContinueSequence()
}

// FirstTimestamp returns the timestamp of the first non-header entry.
func (s *Store) FirstTimestamp() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != ready {
		return 0, false
	}
	return s.index.FirstTimestamp()
}

// LastTimestamp returns the timestamp of the last non-header entry.
func (s *Store) LastTimestamp() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != ready {
		return 0, false
	}
	return s.index.LastTimestamp()
}

// Stats returns a summary of the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{State: s.state.String()}
	if s.state != ready {
		return st
	}

	_, hasHeader := s.index.Header()
	st.Entries = len(s.index.entries)
	st.Appended = s.index.Appended()
	st.HasHeader = hasHeader
	st.TotalDuration = s.index.TotalDuration()
	st.TotalSize = s.index.TotalSize()
	st.LastSequence = s.index.LastSequence()
	st.ContinueSequence = s.index.ContinueSequence()
	st.FirstTimestamp, _ = s.index.FirstTimestamp()
	st.LastTimestamp, _ = s.index.LastTimestamp()
	st.SkippedLines = s.skippedLines
	st.WriteFailures = s.writeFailures
	return st
}

// Dir returns the session working directory.
func (s *Store) Dir() string { return s.dir }

// Close releases the log file. The store cannot be reused afterwards.
// Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == closed {
		return nil
	}

	prev := s.state
	s.state = closed
	if prev != ready {
		return nil
	}

	if err := s.log.Close(); err != nil {
		return fmt.Errorf("close entry log: %w", err)
	}
	return nil
}
