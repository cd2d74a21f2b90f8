// Package segment defines the stored record for one recorded HLS media chunk
// and its single-line text encoding.
package segment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Delimiter separates the fields of an encoded entry line.
const Delimiter = "|"

// fieldCount is the number of fields in an encoded entry line.
const fieldCount = 6

var (
	// ErrInvalidFormat is returned when a line does not decode into exactly
	// six well-typed fields.
	ErrInvalidFormat = errors.New("invalid entry format")

	// ErrInvalidURL is returned by Validate when the URL cannot be encoded
	// without corrupting the line layout.
	ErrInvalidURL = errors.New("entry url contains delimiter or line break")
)

// Entry describes one stored media chunk, or the fragmented-media
// initialization header when IsHeader is set.
type Entry struct {
	// URL is an opaque reference to the segment content
	URL string `json:"url"`

	// Sequence is the producer-assigned sequence number
	Sequence uint64 `json:"sequence"`

	// Duration is the segment duration in seconds
	Duration float64 `json:"duration"`

	// Size is the segment size in bytes
	Size uint64 `json:"size"`

	// Timestamp is the wall-clock capture time in milliseconds since epoch
	Timestamp int64 `json:"timestamp"`

	// IsHeader marks the initialization segment (EXT-X-MAP)
	IsHeader bool `json:"is_header"`
}

// Decode parses one encoded line. A trailing line break is ignored.
// Either all six fields parse or the whole line is rejected.
func Decode(line string) (Entry, error) {
	line = strings.TrimRight(line, "\r\n")

	parts := strings.Split(line, Delimiter)
	if len(parts) != fieldCount {
		return Entry{}, fmt.Errorf("%w: expected %d fields separated by %q, got %d",
			ErrInvalidFormat, fieldCount, Delimiter, len(parts))
	}

	sequence, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: sequence: %v", ErrInvalidFormat, err)
	}

	duration, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: duration: %v", ErrInvalidFormat, err)
	}

	size, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: size: %v", ErrInvalidFormat, err)
	}

	timestamp, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidFormat, err)
	}

	var isHeader bool
	switch parts[5] {
	case "true":
		isHeader = true
	case "false":
		isHeader = false
	default:
		return Entry{}, fmt.Errorf("%w: is_header: %q is not a boolean", ErrInvalidFormat, parts[5])
	}

	return Entry{
		URL:       parts[0],
		Sequence:  sequence,
		Duration:  duration,
		Size:      size,
		Timestamp: timestamp,
		IsHeader:  isHeader,
	}, nil
}

// Encode renders the entry as a newline-terminated line.
// Durations use the shortest representation that parses back exactly.
func (e Entry) Encode() string {
	var b strings.Builder
	b.WriteString(e.URL)
	b.WriteString(Delimiter)
	b.WriteString(strconv.FormatUint(e.Sequence, 10))
	b.WriteString(Delimiter)
	b.WriteString(strconv.FormatFloat(e.Duration, 'f', -1, 64))
	b.WriteString(Delimiter)
	b.WriteString(strconv.FormatUint(e.Size, 10))
	b.WriteString(Delimiter)
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	b.WriteString(Delimiter)
	b.WriteString(strconv.FormatBool(e.IsHeader))
	b.WriteString("\n")
	return b.String()
}

// Validate reports whether the entry survives an encode/decode round trip.
func (e Entry) Validate() error {
	if strings.ContainsAny(e.URL, Delimiter+"\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, e.URL)
	}
	return nil
}

// Time returns the capture time of the entry.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// ProgramDateTime returns the wall-clock value used in EXT-X-PROGRAM-DATE-TIME,
// truncated to whole seconds.
func (e Entry) ProgramDateTime() string {
	return time.Unix(e.Timestamp/1000, 0).UTC().Format(time.RFC3339)
}
