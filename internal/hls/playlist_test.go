package hls

import (
	"strings"
	"testing"
)

const encoderPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:EVENT
#EXT-X-INDEPENDENT-SEGMENTS
#EXTINF:6.000000,
segment_0.ts
#EXTINF:6.000000,
segment_1.ts
`

func uriLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out
}

func TestBuildMasterPlaylist(t *testing.T) {
	out := BuildMasterPlaylist("/media/a b.mp4")
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Error("expected #EXTM3U header")
	}
	if !strings.Contains(out, "#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080") {
		t.Errorf("missing stream-inf line:\n%s", out)
	}
	uris := uriLines(out)
	if len(uris) != 1 || uris[0] != "stream.m3u8?file=%2Fmedia%2Fa+b.mp4" {
		t.Errorf("variant uri = %q", uris)
	}
}

func TestRewriteMediaPlaylist(t *testing.T) {
	out, err := RewriteMediaPlaylist([]byte(encoderPlaylist), "/media/a.mp4")
	if err != nil {
		t.Fatalf("RewriteMediaPlaylist: %v", err)
	}
	uris := uriLines(string(out))
	want := []string{
		"segment_0.ts?file=%2Fmedia%2Fa.mp4",
		"segment_1.ts?file=%2Fmedia%2Fa.mp4",
	}
	if len(uris) != len(want) {
		t.Fatalf("segment uris = %q, want %q", uris, want)
	}
	for i := range want {
		if uris[i] != want[i] {
			t.Errorf("uri[%d] = %q, want %q", i, uris[i], want[i])
		}
	}
	if strings.Count(string(out), "#EXTINF") != 2 {
		t.Errorf("expected 2 EXTINF tags:\n%s", out)
	}
}

func TestRewriteMediaPlaylist_noSegmentsYet(t *testing.T) {
	in := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n"
	out, err := RewriteMediaPlaylist([]byte(in), "/media/a.mp4")
	if err != nil {
		t.Fatalf("RewriteMediaPlaylist: %v", err)
	}
	if len(uriLines(string(out))) != 0 {
		t.Errorf("expected no uris:\n%s", out)
	}
	if !strings.HasPrefix(string(out), "#EXTM3U") {
		t.Errorf("header lost:\n%s", out)
	}
}

func TestRewriteLines_existingQuery(t *testing.T) {
	out, err := rewriteLines([]byte("#EXTM3U\n#EXTINF:6,\nsegment_0.ts?v=1\n"), "/m.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if uris := uriLines(string(out)); len(uris) != 1 || uris[0] != "segment_0.ts?v=1&file=%2Fm.mp4" {
		t.Errorf("uris = %q", uris)
	}
}

func TestValidateSegmentName(t *testing.T) {
	valid := []string{"segment_0.ts", "segment_1234.ts"}
	invalid := []string{
		"", "../../etc/passwd", "segment_1.ts/../../x", "..", "segment_..ts",
		"segment_1.ts.tmp", "stream.m3u8", "segment_a.ts", "/segment_1.ts", "segment_1.TS",
	}
	for _, n := range valid {
		if err := ValidateSegmentName(n); err != nil {
			t.Errorf("ValidateSegmentName(%q) = %v", n, err)
		}
	}
	for _, n := range invalid {
		if err := ValidateSegmentName(n); err == nil {
			t.Errorf("ValidateSegmentName(%q) accepted", n)
		}
	}
}
