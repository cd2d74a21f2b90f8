package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestStore returns a store whose clock advances one minute per row.
func newTestStore() *MemoryStore {
	s := NewMemoryStore()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return s
}

func TestAdd_ReturnsExistingOnDuplicate(t *testing.T) {
	s := newTestStore()

	first, err := s.Add(1, 100, "first title", "cover.jpg")
	require.NoError(t, err)
	require.Equal(t, "first title", first.Title)
	require.Zero(t, first.Length)

	again, err := s.Add(1, 100, "second title", "")
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestGetAndList(t *testing.T) {
	s := newTestStore()
	s.Add(1, 100, "a", "")
	s.Add(2, 100, "b", "")
	s.Add(3, 200, "c", "")

	r, err := s.Get(100, 2)
	require.NoError(t, err)
	require.Equal(t, "b", r.Title)

	_, err = s.Get(200, 2)
	require.ErrorIs(t, err, ErrNotFound)

	rows, err := s.List(100)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, uint64(1), rows[0].LiveID)
}

func TestUpdateAndTotals(t *testing.T) {
	s := newTestStore()
	s.Add(1, 100, "a", "")
	s.Add(2, 100, "b", "")

	require.NoError(t, s.Update(1, 60, 1000))
	require.NoError(t, s.Update(2, 30, 500))
	require.ErrorIs(t, s.Update(9, 1, 1), ErrNotFound)

	total, err := s.TotalLength()
	require.NoError(t, err)
	require.Equal(t, int64(90), total)

	r, _ := s.Get(100, 1)
	require.Equal(t, uint64(1000), r.Size)
}

func TestRemove(t *testing.T) {
	s := newTestStore()
	s.Add(1, 100, "a", "")

	require.NoError(t, s.Remove(1))
	require.NoError(t, s.Remove(1))

	_, err := s.Get(100, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCountSinceAndRecent(t *testing.T) {
	s := newTestStore()
	for i := uint64(1); i <= 5; i++ {
		s.Add(i, 100, "t", "")
	}

	// rows are created at 12:01 .. 12:05
	n, err := s.CountSince(time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	recent, err := s.Recent(1, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, uint64(4), recent[0].LiveID)
	require.Equal(t, uint64(3), recent[1].LiveID)

	empty, err := s.Recent(10, 2)
	require.NoError(t, err)
	require.Empty(t, empty)
}
