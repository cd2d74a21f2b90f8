// Package playlist renders HLS media playlists for recorded sessions.
package playlist

import (
	"fmt"
	"math"
	"strings"

	"github.com/agleyzer/hlsrecorder/internal/segment"
)

// Version is the EXT-X-VERSION emitted; EXT-X-MAP outside I-frame playlists
// requires version 6.
const Version = 6

// Options selects how a manifest is rendered.
type Options struct {
	// VOD renders a finished video (PLAYLIST-TYPE:VOD plus ENDLIST)
	// instead of a growing EVENT playlist.
	VOD bool

	// ForceTime stamps EXT-X-PROGRAM-DATE-TIME on every segment, not only
	// after discontinuities.
	ForceTime bool

	// Range limits output to segments whose offset falls inside it.
	// Nil selects every segment.
	Range *Range
}

// Generate renders a playlist for header (may be nil) and entries in stored
// order. Header entries found in entries are ignored.
//
// Discontinuity is evaluated over the whole sequence, including entries the
// range excludes, so a clip that starts right after an upstream restart
// still carries the marker on its first segment.
func Generate(header *segment.Entry, entries []segment.Entry, opts Options) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString(fmt.Sprintf("#EXT-X-VERSION:%d\n", Version))
	if opts.VOD {
		b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	} else {
		b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	}

	first, ok := firstSegment(entries)
	if !ok {
		writeEnd(&b, opts.VOD)
		return b.String()
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", TargetDuration(first.Duration)))

	// fMP4 players need the init segment before any media segment
	if header != nil {
		b.WriteString(fmt.Sprintf("#EXT-X-MAP:URI=\"%s\"\n", header.URL))
	}

	previousSeq := first.Sequence
	for _, e := range entries {
		if e.IsHeader {
			continue
		}

		discontinuous := IsDiscontinuous(previousSeq, e.Sequence)
		previousSeq = e.Sequence

		if opts.Range != nil && !opts.Range.Contains(Offset(first.Timestamp, e.Timestamp)) {
			continue
		}

		if discontinuous {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if discontinuous || opts.ForceTime {
			b.WriteString(fmt.Sprintf("#EXT-X-PROGRAM-DATE-TIME:%s\n", e.ProgramDateTime()))
		}
		b.WriteString(fmt.Sprintf("#EXTINF:%.2f,\n", e.Duration))
		b.WriteString(e.URL)
		b.WriteString("\n")
	}

	writeEnd(&b, opts.VOD)
	return b.String()
}

// TargetDuration rounds a segment duration to the nearest whole second.
func TargetDuration(duration float64) int64 {
	return int64(math.Floor(0.5 + duration))
}

// IsDiscontinuous reports whether seq breaks continuity after previous:
// the sequence went backwards or skipped ahead.
func IsDiscontinuous(previous, seq uint64) bool {
	return seq < previous || seq-previous > 1
}

// Offset returns whole seconds elapsed from firstTS to ts, both in
// milliseconds, rounded down.
func Offset(firstTS, ts int64) float64 {
	return math.Floor(float64(ts-firstTS) / 1000)
}

// firstSegment returns the first non-header entry.
func firstSegment(entries []segment.Entry) (segment.Entry, bool) {
	for _, e := range entries {
		if !e.IsHeader {
			return e, true
		}
	}
	return segment.Entry{}, false
}

func writeEnd(b *strings.Builder, vod bool) {
	if vod {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
}
