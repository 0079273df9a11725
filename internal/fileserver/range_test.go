package fileserver

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"media-streamer/internal/source"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		size    int64
		want    source.ByteRange
		outcome RangeOutcome
	}{
		{"absent", "", 1000, source.ByteRange{}, NoRange},
		{"closed", "bytes=0-499", 1000, source.ByteRange{Start: 0, End: 499}, Satisfiable},
		{"single byte", "bytes=10-10", 1000, source.ByteRange{Start: 10, End: 10}, Satisfiable},
		{"last byte", "bytes=999-999", 1000, source.ByteRange{Start: 999, End: 999}, Satisfiable},
		{"open end", "bytes=100-", 1000, source.ByteRange{Start: 100, End: 999}, Satisfiable},
		{"end clamped", "bytes=900-5000", 1000, source.ByteRange{Start: 900, End: 999}, Satisfiable},
		{"start at size", "bytes=1000-", 1000, source.ByteRange{}, Unsatisfiable},
		{"start past size", "bytes=5000-6000", 1000, source.ByteRange{}, Unsatisfiable},
		{"empty resource", "bytes=0-", 0, source.ByteRange{}, Unsatisfiable},
		{"multi range", "bytes=0-1,5-6", 1000, source.ByteRange{}, NoRange},
		{"suffix", "bytes=-500", 1000, source.ByteRange{}, NoRange},
		{"start after end", "bytes=500-100", 1000, source.ByteRange{}, NoRange},
		{"non numeric", "bytes=abc-def", 1000, source.ByteRange{}, NoRange},
		{"wrong unit", "items=0-1", 1000, source.ByteRange{}, NoRange},
		{"no dash", "bytes=100", 1000, source.ByteRange{}, NoRange},
		{"negative", "bytes=-1-5", 1000, source.ByteRange{}, NoRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := ParseRange(tt.header, tt.size)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRange_every_valid_interval(t *testing.T) {
	const size = 17
	for a := int64(0); a < size; a++ {
		for b := a; b < size; b++ {
			got, outcome := ParseRange("bytes="+strconv.FormatInt(a, 10)+"-"+strconv.FormatInt(b, 10), size)
			if outcome != Satisfiable || got.Start != a || got.End != b {
				t.Fatalf("bytes=%d-%d: got %+v %v", a, b, got, outcome)
			}
		}
	}
}

func TestFormatContentRange(t *testing.T) {
	assert.Equal(t, "bytes 0-9/100", FormatContentRange(source.ByteRange{Start: 0, End: 9}, 100))
	assert.Equal(t, "bytes */100", Format416ContentRange(100))
}
