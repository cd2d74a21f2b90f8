// Package subtitle turns rendered session audio into SRT subtitles through
// pluggable speech-to-text backends.
package subtitle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyAudio is returned when the audio artifact is missing or empty.
var ErrEmptyAudio = errors.New("audio file is missing or empty")

// ProgressReporter receives human-readable progress stages.
type ProgressReporter interface {
	Update(stage string)
}

// ProgressFunc adapts a function to ProgressReporter.
type ProgressFunc func(stage string)

// Update implements ProgressReporter.
func (f ProgressFunc) Update(stage string) { f(stage) }

// Generator produces subtitle text for an audio file. There is one
// implementation per speech-to-text engine.
type Generator interface {
	Generate(ctx context.Context, audioPath string, progress ProgressReporter) (string, error)
}

// Cue is one timed subtitle line.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// FormatTimestamp renders d as an SRT timestamp, HH:MM:SS,mmm.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

// RenderSRT renders cues as an SRT document numbered from 1.
func RenderSRT(cues []Cue) string {
	var b strings.Builder
	for i, c := range cues {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, FormatTimestamp(c.Start), FormatTimestamp(c.End), strings.TrimSpace(c.Text))
	}
	return b.String()
}
