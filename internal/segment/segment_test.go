package segment

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_Valid(t *testing.T) {
	e, err := Decode("seg-1.m4s|42|5.005|102400|1700000000123|false\n")
	require.NoError(t, err)
	require.Equal(t, Entry{
		URL:       "seg-1.m4s",
		Sequence:  42,
		Duration:  5.005,
		Size:      102400,
		Timestamp: 1700000000123,
		IsHeader:  false,
	}, e)
}

func TestDecode_CRLF(t *testing.T) {
	e, err := Decode("h.m4s|0|0|900|1700000000000|true\r\n")
	require.NoError(t, err)
	require.True(t, e.IsHeader)
	require.Equal(t, "h.m4s", e.URL)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"five fields", "a|1|2.0|3|4"},
		{"seven fields", "a|1|2.0|3|4|false|x"},
		{"negative sequence", "a|-1|2.0|3|4|false"},
		{"bad duration", "a|1|two|3|4|false"},
		{"bad size", "a|1|2.0|3.5|4|false"},
		{"bad timestamp", "a|1|2.0|3|now|false"},
		{"numeric bool", "a|1|2.0|3|4|1"},
		{"truncated tail", "a|1|2.0|3|4|fa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.line)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidFormat), "error %v should wrap ErrInvalidFormat", err)
		})
	}
}

func TestEncode_Format(t *testing.T) {
	e := Entry{URL: "s.ts", Sequence: 7, Duration: 2, Size: 10, Timestamp: -5, IsHeader: true}
	require.Equal(t, "s.ts|7|2|10|-5|true\n", e.Encode())
}

func TestRoundTrip(t *testing.T) {
	entries := []Entry{
		{},
		{URL: "https://cdn.example.com/live/seg_0001.ts?token=a&b=c", Sequence: 1, Duration: 6.006, Size: 1 << 20, Timestamp: 1700000000000},
		{URL: "init.mp4", Duration: 0, Size: 812, Timestamp: 1700000000000, IsHeader: true},
		{URL: "x", Sequence: math.MaxUint64, Duration: 1.0 / 3.0, Size: math.MaxUint64, Timestamp: math.MinInt64},
		{URL: "y", Duration: 1e-9, Timestamp: math.MaxInt64},
	}

	for _, e := range entries {
		got, err := Decode(e.Encode())
		require.NoError(t, err)
		require.Equal(t, e, got)
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Entry{URL: "seg.ts"}.Validate())
	require.ErrorIs(t, Entry{URL: "a|b"}.Validate(), ErrInvalidURL)
	require.ErrorIs(t, Entry{URL: "a\nb"}.Validate(), ErrInvalidURL)
}

func TestProgramDateTime(t *testing.T) {
	e := Entry{Timestamp: 1700000000999}
	require.Equal(t, "2023-11-14T22:13:20Z", e.ProgramDateTime())
}
