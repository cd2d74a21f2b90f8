package store

import "github.com/agleyzer/hlsrecorder/internal/segment"

// ContinueSequenceGap is added to the highest sequence seen at load time to
// produce a sequence number the producer can resume from without colliding
// with anything already recorded.
const ContinueSequenceGap = 100

// Index is the in-memory view of a session log. It is rebuilt from a full
// replay and then kept current with Apply. Index is not safe for concurrent
// use; Store guards it.
type Index struct {
	header           *segment.Entry
	entries          []segment.Entry
	totalDuration    float64
	totalSize        uint64
	lastSequence     uint64
	continueSequence uint64
	appended         int
}

// Rebuild builds an index from replayed entries in file order.
func Rebuild(replayed []segment.Entry) *Index {
	ix := &Index{entries: make([]segment.Entry, 0, len(replayed))}
	for _, e := range replayed {
		ix.Apply(e)
	}
	ix.continueSequence = ix.lastSequence + ContinueSequenceGap
	return ix
}

// Apply folds one entry into the index. Headers replace the header slot,
// everything else is appended in arrival order. Aggregates cover every
// entry, headers included.
func (ix *Index) Apply(e segment.Entry) {
	if e.IsHeader {
		h := e
		ix.header = &h
	} else {
		ix.entries = append(ix.entries, e)
	}

	if e.Sequence > ix.lastSequence {
		ix.lastSequence = e.Sequence
	}
	ix.totalDuration += e.Duration
	ix.totalSize += e.Size
	ix.appended++
}

// Header returns the latest header entry, if any.
func (ix *Index) Header() (segment.Entry, bool) {
	if ix.header == nil {
		return segment.Entry{}, false
	}
	return *ix.header, true
}

// Entries returns the non-header entries in arrival order.
// The returned slice must not be modified.
func (ix *Index) Entries() []segment.Entry { return ix.entries }

// TotalDuration is the sum of durations of every applied entry.
func (ix *Index) TotalDuration() float64 { return ix.totalDuration }

// TotalSize is the sum of sizes of every applied entry.
func (ix *Index) TotalSize() uint64 { return ix.totalSize }

// LastSequence is the highest sequence number applied.
func (ix *Index) LastSequence() uint64 { return ix.lastSequence }

// ContinueSequence is fixed at Rebuild time to LastSequence + ContinueSequenceGap.
func (ix *Index) ContinueSequence() uint64 { return ix.continueSequence }

// Appended is the number of entries applied, headers included.
func (ix *Index) Appended() int { return ix.appended }

// FirstTimestamp returns the timestamp of the first non-header entry.
func (ix *Index) FirstTimestamp() (int64, bool) {
	if len(ix.entries) == 0 {
		return 0, false
	}
	return ix.entries[0].Timestamp, true
}

// LastTimestamp returns the timestamp of the last non-header entry.
func (ix *Index) LastTimestamp() (int64, bool) {
	if len(ix.entries) == 0 {
		return 0, false
	}
	return ix.entries[len(ix.entries)-1].Timestamp, true
}
