package hls

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"media-streamer/internal/source"
)

const playlistContentType = "application/vnd.apple.mpegurl"

var segmentName = regexp.MustCompile(`^segment_\d+\.ts$`)

// ValidateSegmentName rejects anything that is not an encoder segment file name.
func ValidateSegmentName(name string) error {
	if strings.Contains(name, "..") || !segmentName.MatchString(name) {
		return ErrInvalidSegment
	}
	return nil
}

// ServeMaster ensures a session for path and answers with the master playlist.
func (m *Manager) ServeMaster(w http.ResponseWriter, r *http.Request, src source.Source, path string) {
	id, err := m.EnsureSession(r.Context(), src, path)
	if err != nil {
		m.fail(r.Context(), w, path, "ensure session", err)
		return
	}

	m.log.Debug("master playlist served", slog.String("session_id", id), slog.String("path", path))
	writePlaylist(w, []byte(BuildMasterPlaylist(path)))
}

// ServeMedia answers with the encoder's media playlist, waiting for it to
// appear when the session has just started.
func (m *Manager) ServeMedia(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()
	s, ok := m.active(path)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	m.Touch(path)

	if err := m.waitForPlaylist(ctx, s); err != nil {
		switch {
		case ctx.Err() != nil:
			m.log.Debug("client disconnected waiting for playlist", slog.String("path", path))
		case errors.Is(err, ErrNotReady):
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Playlist not ready", http.StatusServiceUnavailable)
		default:
			m.fail(ctx, w, path, "wait for playlist", err)
		}
		return
	}

	data, err := afero.ReadFile(m.fs, filepath.Join(s.Dir, MediaPlaylist))
	if err != nil {
		m.fail(ctx, w, path, "read playlist", err)
		return
	}
	out, err := RewriteMediaPlaylist(data, path)
	if err != nil {
		m.fail(ctx, w, path, "rewrite playlist", err)
		return
	}
	writePlaylist(w, out)
}

// ServeSegment answers with one segment file of the session for path.
// The name is validated before any filesystem access.
func (m *Manager) ServeSegment(w http.ResponseWriter, r *http.Request, path, name string) {
	if err := ValidateSegmentName(name); err != nil {
		m.log.Debug("rejected segment name", slog.String("name", name))
		http.Error(w, "Invalid segment name", http.StatusBadRequest)
		return
	}
	dir, ok := m.SessionDir(path)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	m.Touch(path)
	m.files.Serve(w, r, m.local, filepath.Join(dir, name))
}

func writePlaylist(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (m *Manager) fail(ctx context.Context, w http.ResponseWriter, path, op string, err error) {
	if ctx.Err() != nil {
		m.log.Debug("client disconnected", slog.String("path", path), slog.String("op", op))
		return
	}
	m.log.Error("hls request failed",
		slog.String("path", path),
		slog.String("op", op),
		slog.String("error", err.Error()))
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
