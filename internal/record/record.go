// Package record keeps one metadata row per recording session.
package record

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("record not found")

// Row describes one recording session.
type Row struct {
	LiveID    uint64    `json:"live_id"`
	RoomID    uint64    `json:"room_id"`
	Title     string    `json:"title"`
	Length    int64     `json:"length"`
	Size      uint64    `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Cover     string    `json:"cover,omitempty"`
}

// Store is the metadata store consulted at session boundaries.
type Store interface {
	// List returns every row of a room.
	List(roomID uint64) ([]Row, error)

	// Get returns the row for a session of a room.
	Get(roomID, liveID uint64) (Row, error)

	// Add inserts a row with zero length and size. Adding a session that
	// already exists returns the existing row unchanged.
	Add(liveID, roomID uint64, title, cover string) (Row, error)

	// Remove deletes a session row. Removing a missing row is a no-op.
	Remove(liveID uint64) error

	// Update sets the final length (seconds) and size (bytes) of a session.
	Update(liveID uint64, length int64, size uint64) error

	// TotalLength sums the length of every row.
	TotalLength() (int64, error)

	// CountSince counts rows created at or after t.
	CountSince(t time.Time) (int, error)

	// Recent returns rows ordered by creation time, newest first.
	Recent(offset, limit int) ([]Row, error)
}

// MemoryStore is a concurrency-safe in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[uint64]Row
	now  func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[uint64]Row),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// List implements Store.List.
func (s *MemoryStore) List(roomID uint64) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Row
	for _, r := range s.rows {
		if r.RoomID == roomID {
			out = append(out, r)
		}
	}
	sortByCreated(out)
	return out, nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(roomID, liveID uint64) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rows[liveID]
	if !ok || r.RoomID != roomID {
		return Row{}, ErrNotFound
	}
	return r, nil
}

// Add implements Store.Add.
func (s *MemoryStore) Add(liveID, roomID uint64, title, cover string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rows[liveID]; ok {
		return r, nil
	}

	r := Row{
		LiveID:    liveID,
		RoomID:    roomID,
		Title:     title,
		CreatedAt: s.now(),
		Cover:     cover,
	}
	s.rows[liveID] = r
	return r, nil
}

// Remove implements Store.Remove.
func (s *MemoryStore) Remove(liveID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, liveID)
	return nil
}

// Update implements Store.Update.
func (s *MemoryStore) Update(liveID uint64, length int64, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[liveID]
	if !ok {
		return ErrNotFound
	}
	r.Length = length
	r.Size = size
	s.rows[liveID] = r
	return nil
}

// TotalLength implements Store.TotalLength.
func (s *MemoryStore) TotalLength() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, r := range s.rows {
		total += r.Length
	}
	return total, nil
}

// CountSince implements Store.CountSince.
func (s *MemoryStore) CountSince(t time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.rows {
		if !r.CreatedAt.Before(t) {
			n++
		}
	}
	return n, nil
}

// Recent implements Store.Recent.
func (s *MemoryStore) Recent(offset, limit int) ([]Row, error) {
	s.mu.RLock()
	rows := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	sortByCreated(rows)
	// newest first
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

// sortByCreated orders rows oldest first, ties broken by live id.
func sortByCreated(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].LiveID < rows[j].LiveID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}
