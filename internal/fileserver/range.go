package fileserver

import (
	"fmt"
	"strconv"
	"strings"

	"media-streamer/internal/source"
)

// RangeOutcome classifies a parsed Range header.
type RangeOutcome int

const (
	// NoRange: header absent, malformed, multi-range or suffix form. Serve everything.
	NoRange RangeOutcome = iota
	// Satisfiable: serve the returned interval with 206.
	Satisfiable
	// Unsatisfiable: start is at or past the end of the resource; reply 416.
	Unsatisfiable
)

func (o RangeOutcome) String() string {
	switch o {
	case Satisfiable:
		return "satisfiable"
	case Unsatisfiable:
		return "unsatisfiable"
	default:
		return "none"
	}
}

// ParseRange interprets header against a resource of size bytes.
// Only "bytes=<start>-<end>" with an optional end is honored; an end past
// the resource is clamped to size-1.
func ParseRange(header string, size int64) (source.ByteRange, RangeOutcome) {
	const prefix = "bytes="
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return source.ByteRange{}, NoRange
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return source.ByteRange{}, NoRange
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return source.ByteRange{}, NoRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)
	if startStr == "" {
		return source.ByteRange{}, NoRange
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return source.ByteRange{}, NoRange
	}

	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return source.ByteRange{}, NoRange
		}
	}

	if start >= size {
		return source.ByteRange{}, Unsatisfiable
	}
	if end < 0 || end >= size {
		end = size - 1
	}
	return source.ByteRange{Start: start, End: end}, Satisfiable
}

// FormatContentRange formats the Content-Range header of a 206 reply.
func FormatContentRange(r source.ByteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// Format416ContentRange formats the Content-Range header of a 416 reply.
func Format416ContentRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}
