package parser

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testStart = time.UnixMilli(1700000000000).UTC()

func servePlaylist(t *testing.T, playlist string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(playlist))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestParsePlaylist_ValidPlaylist(t *testing.T) {
	server := servePlaylist(t, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:40
#EXTINF:9.9,
segment001.ts
#EXTINF:10.0,
segment002.ts
#EXTINF:10.1,
segment003.ts
#EXT-X-ENDLIST
`)

	info, err := ParsePlaylist(server.URL+"/live/playlist.m3u8", testStart)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(info.Entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(info.Entries))
	}
	if info.TargetDuration != 10 {
		t.Errorf("Expected target duration 10, got %d", info.TargetDuration)
	}
	if info.Header != nil {
		t.Errorf("Expected no header, got %+v", info.Header)
	}

	first := info.Entries[0]
	if first.Duration != 9.9 {
		t.Errorf("Expected first duration 9.9, got %f", first.Duration)
	}
	if first.Sequence != 40 {
		t.Errorf("Expected first sequence 40, got %d", first.Sequence)
	}
	if first.Timestamp != testStart.UnixMilli() {
		t.Errorf("Expected first timestamp %d, got %d", testStart.UnixMilli(), first.Timestamp)
	}

	// Relative URIs are resolved against the playlist URL
	expectedURL := server.URL + "/live/segment001.ts"
	if first.URL != expectedURL {
		t.Errorf("Expected URL %s, got %s", expectedURL, first.URL)
	}

	// Timestamps accumulate from durations
	if got, want := info.Entries[2].Timestamp, testStart.UnixMilli()+19900; got != want {
		t.Errorf("Expected third timestamp %d, got %d", want, got)
	}
	if info.Entries[2].Sequence != 42 {
		t.Errorf("Expected third sequence 42, got %d", info.Entries[2].Sequence)
	}
}

func TestParsePlaylist_MapAndDiscontinuity(t *testing.T) {
	server := servePlaylist(t, `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:2
#EXT-X-MAP:URI="init.mp4"
#EXT-X-PROGRAM-DATE-TIME:2024-01-01T00:00:00Z
#EXTINF:2.0,
a.m4s
#EXTINF:2.0,
b.m4s
#EXT-X-DISCONTINUITY
#EXT-X-PROGRAM-DATE-TIME:2024-01-01T01:00:00Z
#EXTINF:2.0,
c.m4s
#EXT-X-ENDLIST
`)

	info, err := ParsePlaylist(server.URL+"/playlist.m3u8", testStart)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if info.Header == nil {
		t.Fatal("Expected header from EXT-X-MAP")
	}
	if !info.Header.IsHeader || info.Header.URL != server.URL+"/init.mp4" {
		t.Errorf("Unexpected header %+v", info.Header)
	}

	wantSeq := []uint64{0, 1, 3}
	for i, want := range wantSeq {
		if info.Entries[i].Sequence != want {
			t.Errorf("entry %d: expected sequence %d, got %d", i, want, info.Entries[i].Sequence)
		}
	}

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if info.Entries[0].Timestamp != jan1.UnixMilli() {
		t.Errorf("Expected program date time to set timestamp, got %d", info.Entries[0].Timestamp)
	}
	if info.Entries[1].Timestamp != jan1.Add(2*time.Second).UnixMilli() {
		t.Errorf("Expected accumulated timestamp, got %d", info.Entries[1].Timestamp)
	}
	if info.Entries[2].Timestamp != jan1.Add(time.Hour).UnixMilli() {
		t.Errorf("Expected reset timestamp after discontinuity, got %d", info.Entries[2].Timestamp)
	}
}

func TestParsePlaylist_LocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.m3u8")
	content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXTINF:4.0,
segments/0001.ts
#EXT-X-ENDLIST
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := ParsePlaylist(path, testStart)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Local URIs are kept as written
	if info.Entries[0].URL != "segments/0001.ts" {
		t.Errorf("Expected URL kept as written, got %s", info.Entries[0].URL)
	}
}

func TestParsePlaylist_AbsoluteURLs(t *testing.T) {
	server := servePlaylist(t, `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:5
#EXTINF:4.0,
https://example.com/segment001.ts
#EXTINF:4.0,
https://example.com/segment002.ts
#EXT-X-ENDLIST
`)

	info, err := ParsePlaylist(server.URL, testStart)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Absolute URLs should remain unchanged
	if info.Entries[0].URL != "https://example.com/segment001.ts" {
		t.Errorf("Expected absolute URL unchanged, got %s", info.Entries[0].URL)
	}
}

func TestParsePlaylist_EmptyPlaylist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playlist := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-ENDLIST
`
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	_, err := ParsePlaylist(server.URL, testStart)
	if err == nil {
		t.Fatal("Expected error for empty playlist, got nil")
	}
}

func TestParsePlaylist_InvalidURL(t *testing.T) {
	_, err := ParsePlaylist("not-a-valid-url", testStart)
	if err == nil {
		t.Fatal("Expected error for invalid URL, got nil")
	}
}

func TestParsePlaylist_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := ParsePlaylist(server.URL, testStart)
	if err == nil {
		t.Fatal("Expected error for HTTP 404, got nil")
	}
}

func TestParsePlaylist_MasterPlaylist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playlist := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000
low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000
high.m3u8
`
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(playlist))
	}))
	defer server.Close()

	_, err := ParsePlaylist(server.URL, testStart)
	if err == nil {
		t.Fatal("Expected error for master playlist, got nil")
	}
}

func TestParsePlaylist_InvalidM3U8(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("not a valid m3u8 file"))
	}))
	defer server.Close()

	_, err := ParsePlaylist(server.URL, testStart)
	if err == nil {
		t.Fatal("Expected error for invalid m3u8, got nil")
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name        string
		baseURL     string
		relativeURL string
		expected    string
		shouldError bool
	}{
		{
			name:        "relative path",
			baseURL:     "http://example.com/path/playlist.m3u8",
			relativeURL: "segment.ts",
			expected:    "http://example.com/path/segment.ts",
			shouldError: false,
		},
		{
			name:        "absolute URL",
			baseURL:     "http://example.com/playlist.m3u8",
			relativeURL: "https://cdn.example.com/segment.ts",
			expected:    "https://cdn.example.com/segment.ts",
			shouldError: false,
		},
		{
			name:        "relative path with subdirectory",
			baseURL:     "http://example.com/playlist.m3u8",
			relativeURL: "segments/segment.ts",
			expected:    "http://example.com/segments/segment.ts",
			shouldError: false,
		},
		{
			name:        "root relative path",
			baseURL:     "http://example.com/path/playlist.m3u8",
			relativeURL: "/segments/segment.ts",
			expected:    "http://example.com/segments/segment.ts",
			shouldError: false,
		},
	}

	tests = append(tests, struct {
		name        string
		baseURL     string
		relativeURL string
		expected    string
		shouldError bool
	}{
		name:        "local playlist keeps uri",
		baseURL:     "/var/rec/playlist.m3u8",
		relativeURL: "seg.ts",
		expected:    "seg.ts",
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := resolveURL(tt.baseURL, tt.relativeURL)
			if tt.shouldError && err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !tt.shouldError && err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if !tt.shouldError && result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}
