package source

import (
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

const defaultMimeType = "application/octet-stream"

// sniffLen is how many leading bytes filetype needs to match every format it knows.
const sniffLen = 262

var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
	".mts":  "video/mp2t",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".3gp":  "video/3gpp",
	".m3u8": "application/vnd.apple.mpegurl",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".heic": "image/heic",
	".avif": "image/avif",
	".svg":  "image/svg+xml",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
}

// MimeByExtension resolves a MIME type from the file name alone. It returns
// "" when the extension is unknown.
func MimeByExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// sniffMime inspects the head of r.
func sniffMime(r io.Reader) string {
	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(r, head)
	if n == 0 {
		return ""
	}
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}

// IsVideo reports whether a MIME type is a video container.
func IsVideo(mimeType string) bool {
	return strings.HasPrefix(mimeType, "video/")
}
