package encoder

import (
	"strconv"
	"strings"
	"time"

	"media-streamer/internal/source"
)

// Profile holds the fixed H.264/AAC encoding settings.
type Profile struct {
	Preset       string
	CRF          int
	PixFmt       string
	AudioBitrate string
}

// DefaultProfile favours start-up latency over compression.
var DefaultProfile = Profile{
	Preset:       "veryfast",
	CRF:          23,
	PixFmt:       "yuv420p",
	AudioBitrate: "128k",
}

func (p Profile) codecArgs() []string {
	return []string{
		"-c:v", "libx264",
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-pix_fmt", p.PixFmt,
		"-c:a", "aac",
		"-b:a", p.AudioBitrate,
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// inputArgs places -headers and the input seek before -i so ffmpeg seeks on
// the demuxer instead of decoding up to the offset.
func inputArgs(in source.Input, seek *float64) []string {
	args := []string{"-hide_banner", "-loglevel", "info", "-nostdin"}
	if len(in.Headers) > 0 {
		args = append(args, "-headers", strings.Join(in.Headers, "\r\n")+"\r\n")
	}
	if seek != nil {
		args = append(args, "-ss", formatSeconds(*seek))
	}
	return append(args, "-i", in.Locator)
}

// TranscodeArgs re-encodes in to fragmented MP4 on stdout.
func TranscodeArgs(in source.Input, start *float64, p Profile) []string {
	args := inputArgs(in, start)
	args = append(args, p.codecArgs()...)
	return append(args,
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4",
		"pipe:1",
	)
}

// HLSArgs writes an event playlist at playlist with fixed-duration
// segments named by segmentPattern.
func HLSArgs(in source.Input, playlist, segmentPattern string, segmentSeconds int, p Profile) []string {
	args := inputArgs(in, nil)
	args = append(args, p.codecArgs()...)
	gop := strconv.Itoa(segmentSeconds)
	return append(args,
		"-force_key_frames", "expr:gte(t,n_forced*"+gop+")",
		"-f", "hls",
		"-hls_time", gop,
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "independent_segments+temp_file",
		"-hls_segment_filename", segmentPattern,
		playlist,
	)
}

// ThumbnailArgs extracts a single JPEG frame scaled to width. A zero offset
// grabs the first frame, which is what still images need.
func ThumbnailArgs(in source.Input, offset time.Duration, width int, out string) []string {
	var seek *float64
	if offset > 0 {
		s := offset.Seconds()
		seek = &s
	}
	args := inputArgs(in, seek)
	return append(args,
		"-frames:v", "1",
		"-vf", "scale="+strconv.Itoa(width)+":-2",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-update", "1",
		"-y",
		out,
	)
}

// ProbeArgs opens the input without an output; ffmpeg prints the stream
// summary to stderr and exits.
func ProbeArgs(in source.Input) []string {
	return inputArgs(in, nil)
}
