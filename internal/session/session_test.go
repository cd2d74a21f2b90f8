package session

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agleyzer/hlsrecorder/internal/playlist"
	"github.com/agleyzer/hlsrecorder/internal/record"
	"github.com/agleyzer/hlsrecorder/internal/segment"
)

func newTestManager(t *testing.T) (*Manager, *record.MemoryStore) {
	t.Helper()
	records := record.NewMemoryStore()
	m := NewManager(t.TempDir(), records, nil, nil)
	t.Cleanup(func() { m.Close() })
	return m, records
}

func entry(seq uint64, duration float64, size uint64) segment.Entry {
	return segment.Entry{
		URL:       "seg.ts",
		Sequence:  seq,
		Duration:  duration,
		Size:      size,
		Timestamp: 1700000000000 + int64(seq)*1000,
	}
}

func TestOpen_RegistersRecord(t *testing.T) {
	m, records := newTestManager(t)
	k := Key{RoomID: 7, LiveID: 1001}

	s, err := m.Open(Meta{Key: k, Title: "evening stream", Cover: "cover.jpg"})
	require.NoError(t, err)

	again, err := m.Open(Meta{Key: k, Title: "ignored"})
	require.NoError(t, err)
	require.Same(t, s, again)

	row, err := records.Get(7, 1001)
	require.NoError(t, err)
	require.Equal(t, "evening stream", row.Title)
	require.Equal(t, 1, m.ActiveCount())
	require.DirExists(t, m.Dir(k))
}

func TestGet_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Get(Key{RoomID: 1, LiveID: 2})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppend_OpensOnFirstUse(t *testing.T) {
	m, records := newTestManager(t)
	k := Key{RoomID: 1, LiveID: 2}

	require.NoError(t, m.Append(k, entry(1, 2, 10)))
	require.NoError(t, m.Append(k, entry(2, 2, 10)))

	s, err := m.Get(k)
	require.NoError(t, err)
	require.Len(t, s.Entries(), 2)

	_, err = records.Get(1, 2)
	require.NoError(t, err)
}

func TestFinish_UpdatesRecordAndReloads(t *testing.T) {
	m, records := newTestManager(t)
	k := Key{RoomID: 3, LiveID: 30}

	_, err := m.Open(Meta{Key: k, Title: "t"})
	require.NoError(t, err)
	require.NoError(t, m.Append(k, segment.Entry{URL: "init.mp4", Size: 5, IsHeader: true}))
	require.NoError(t, m.Append(k, entry(1, 2.4, 100)))
	require.NoError(t, m.Append(k, entry(2, 2.4, 100)))

	stats, err := m.Finish(k)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Entries)
	require.Zero(t, m.ActiveCount())

	row, err := records.Get(3, 30)
	require.NoError(t, err)
	require.Equal(t, int64(5), row.Length)
	require.Equal(t, uint64(205), row.Size)

	// finished sessions remain playable from disk
	s, err := m.Get(k)
	require.NoError(t, err)
	manifest, err := s.Manifest(playlist.Options{VOD: true})
	require.NoError(t, err)
	require.Contains(t, manifest, "#EXT-X-MAP:URI=\"init.mp4\"")
	require.Contains(t, manifest, "#EXT-X-ENDLIST")
	require.Equal(t, uint64(102), s.ContinueSequence())
}

func TestDelete(t *testing.T) {
	m, records := newTestManager(t)
	k := Key{RoomID: 4, LiveID: 40}

	require.NoError(t, m.Append(k, entry(1, 2, 10)))
	require.NoError(t, m.Delete(k))

	_, err := os.Stat(m.Dir(k))
	require.True(t, os.IsNotExist(err))

	_, err = m.Get(k)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = records.Get(4, 40)
	require.ErrorIs(t, err, record.ErrNotFound)
}

func TestList(t *testing.T) {
	m, _ := newTestManager(t)
	for _, k := range []Key{{2, 1}, {1, 9}, {1, 3}} {
		_, err := m.Open(Meta{Key: k})
		require.NoError(t, err)
	}

	require.Equal(t, []Key{{1, 3}, {1, 9}, {2, 1}}, m.List())
}

func TestNoRecordStore(t *testing.T) {
	m := NewManager(t.TempDir(), nil, nil, nil)
	defer m.Close()

	k := Key{RoomID: 1, LiveID: 1}
	require.NoError(t, m.Append(k, entry(1, 2, 10)))
	_, err := m.Finish(k)
	require.NoError(t, err)
	require.NoError(t, m.Delete(k))
}

func TestDelete_ConcurrentReadersDoNotResurrect(t *testing.T) {
	m, _ := newTestManager(t)
	k := Key{RoomID: 8, LiveID: 80}

	for round := 0; round < 20; round++ {
		require.NoError(t, m.Append(k, entry(1, 2, 10)))
		_, err := m.Finish(k)
		require.NoError(t, err)

		done := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					if _, err := m.Get(k); err != nil && !errors.Is(err, ErrNotFound) {
						t.Errorf("Get() error = %v", err)
						return
					}
				}
			}()
		}

		require.NoError(t, m.Delete(k))
		close(done)
		wg.Wait()

		require.Zero(t, m.ActiveCount(), "round %d: deleted session reopened", round)
		require.NoDirExists(t, m.Dir(k))
	}
}

func TestFinish_RecreatesMissingRecord(t *testing.T) {
	dir := t.TempDir()
	k := Key{RoomID: 6, LiveID: 60}

	before := NewManager(dir, record.NewMemoryStore(), nil, nil)
	_, err := before.Open(Meta{Key: k, Title: "before restart"})
	require.NoError(t, err)
	require.NoError(t, before.Append(k, entry(1, 3, 50)))
	require.NoError(t, before.Close())

	// a restart loses the in-memory rows but not the session log
	records := record.NewMemoryStore()
	after := NewManager(dir, records, nil, nil)
	defer after.Close()
	require.NoError(t, after.Append(k, entry(2, 3, 50)))

	_, err = after.Finish(k)
	require.NoError(t, err)

	row, err := records.Get(6, 60)
	require.NoError(t, err)
	require.Equal(t, int64(6), row.Length)
	require.Equal(t, uint64(100), row.Size)
}
