package hls

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// Advertised variant attributes. The encoder keeps the source resolution,
// so these are estimates for player start-up only.
const (
	estimatedBandwidth  = 5_000_000
	estimatedResolution = "1920x1080"
)

// BuildMasterPlaylist returns a single-variant master playlist whose
// sub-playlist URL carries mediaPath in the file query parameter.
func BuildMasterPlaylist(mediaPath string) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", estimatedBandwidth, estimatedResolution))
	b.WriteString(withFileParam(MediaPlaylist, mediaPath))
	b.WriteString("\n")

	return b.String()
}

func withFileParam(uri, mediaPath string) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + "file=" + url.QueryEscape(mediaPath)
}

// RewriteMediaPlaylist appends the file query parameter to every segment
// URI so segment requests identify their session on their own.
func RewriteMediaPlaylist(data []byte, mediaPath string) ([]byte, error) {
	if out, err := rewriteParsed(data, mediaPath); err == nil {
		return out, nil
	}
	// The encoder may have flushed a playlist the parser rejects (e.g. no
	// segments yet); rewriting line by line still works for those.
	return rewriteLines(data, mediaPath)
}

func rewriteParsed(data []byte, mediaPath string) ([]byte, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got multivariant")
	}
	for _, seg := range media.Segments {
		seg.URI = withFileParam(seg.URI, mediaPath)
	}
	return media.Marshal()
}

func rewriteLines(data []byte, mediaPath string) ([]byte, error) {
	var b bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			line = withFileParam(line, mediaPath)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
