// Package parser imports existing HLS media playlists as segment entries.
package parser

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/hlsrecorder/internal/segment"
)

// PlaylistInfo contains the entries recovered from a media playlist.
type PlaylistInfo struct {
	// Header is the EXT-X-MAP initialization segment, nil if the playlist has none
	Header *segment.Entry

	// Entries are the media segments in playlist order
	Entries []segment.Entry

	// TargetDuration is the declared target duration in seconds
	TargetDuration int
}

// ParsePlaylist reads a media playlist from an http(s) URL or a local file
// and converts it to entries.
//
// Sequence numbers start at the playlist's media sequence. Each source
// discontinuity skips one sequence number so that the gap is reported again
// when the session is rendered. Segments without EXT-X-PROGRAM-DATE-TIME
// are timed from the previous segment, starting at start.
func ParsePlaylist(source string, start time.Time) (*PlaylistInfo, error) {
	body, err := open(source)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	playlist, listType, err := m3u8.DecodeFrom(body, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected media playlist, got master playlist")
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	info := &PlaylistInfo{TargetDuration: int(mediaPlaylist.TargetDuration)}

	if mediaPlaylist.Map != nil {
		header, err := headerEntry(source, mediaPlaylist.Map, start)
		if err != nil {
			return nil, err
		}
		info.Header = &header
	}

	sequence := mediaPlaylist.SeqNo
	clock := start
	for i, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}

		if seg.Map != nil && info.Header == nil {
			header, err := headerEntry(source, seg.Map, clock)
			if err != nil {
				return nil, err
			}
			info.Header = &header
		}

		if seg.Discontinuity && i > 0 {
			sequence++
		}

		if !seg.ProgramDateTime.IsZero() {
			clock = seg.ProgramDateTime
		}

		segmentURL, err := resolveURL(source, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		var size uint64
		if seg.Limit > 0 {
			size = uint64(seg.Limit)
		}

		info.Entries = append(info.Entries, segment.Entry{
			URL:       segmentURL,
			Sequence:  sequence,
			Duration:  seg.Duration,
			Size:      size,
			Timestamp: clock.UnixMilli(),
		})

		sequence++
		clock = clock.Add(time.Duration(seg.Duration * float64(time.Second)))
	}

	if len(info.Entries) == 0 {
		return nil, fmt.Errorf("playlist contains no segments")
	}

	return info, nil
}

func headerEntry(source string, m *m3u8.Map, at time.Time) (segment.Entry, error) {
	headerURL, err := resolveURL(source, m.URI)
	if err != nil {
		return segment.Entry{}, fmt.Errorf("failed to resolve map URL: %w", err)
	}

	var size uint64
	if m.Limit > 0 {
		size = uint64(m.Limit)
	}

	return segment.Entry{
		URL:       headerURL,
		Size:      size,
		Timestamp: at.UnixMilli(),
		IsHeader:  true,
	}, nil
}

// open returns the playlist body for an http(s) URL or a file path.
func open(source string) (io.ReadCloser, error) {
	if !isRemote(source) {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open playlist: %w", err)
		}
		return f, nil
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Get(source)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	}

	return resp.Body, nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// resolveURL resolves a possibly relative URI against a remote playlist URL.
// URIs from local playlists are kept as written.
func resolveURL(baseURL, relativeURL string) (string, error) {
	if !isRemote(baseURL) {
		return relativeURL, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
