// Package server maps the HTTP surface onto the media components.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/unicode/norm"

	"media-streamer/internal/authz"
	"media-streamer/internal/fileserver"
	"media-streamer/internal/hls"
	"media-streamer/internal/platform/metrics"
	"media-streamer/internal/source"
	"media-streamer/internal/thumbnail"
	"media-streamer/internal/transcode"
)

// Deps are the components a Handler dispatches to.
type Deps struct {
	Authorizer authz.Authorizer
	Sources    *source.Registry
	Files      *fileserver.Server
	Transcoder *transcode.Engine
	HLS        *hls.Manager
	Thumbnails *thumbnail.Service
}

// Handler exposes the media endpoints using go-chi.
type Handler struct {
	deps    Deps
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil.
func NewHandler(deps Deps, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{deps: deps, log: log, metrics: m}
}

// Register mounts every media route on r. The API routes are exact so any
// other path, including one under a /video media root, reaches Static.
func (h *Handler) Register(r chi.Router) {
	r.Get("/video/metadata", h.Metadata)
	r.Get("/video/stream", h.Stream)
	r.Get("/video/thumbnail", h.Thumbnail)
	r.Get("/video/hls/{name}", h.HLS)
	r.Get("/*", h.Static)
	r.Head("/*", h.Static)
}

// authorize checks raw before anything else touches storage. On failure it
// has already written the response.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, raw string) (string, source.Source, bool) {
	d := h.deps.Authorizer.Authorize(r.Context(), raw)
	if !d.Allowed {
		h.log.Debug("access denied",
			slog.String("path", raw),
			slog.Int("status", d.StatusCode),
			slog.String("reason", d.Message))
		http.Error(w, d.Message, d.StatusCode)
		return "", nil, false
	}
	src, err := h.deps.Sources.For(d.CanonicalPath)
	if err != nil {
		http.Error(w, "unsupported path", http.StatusBadRequest)
		return "", nil, false
	}
	return d.CanonicalPath, src, true
}

type metadataResponse struct {
	Duration *float64 `json:"duration,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Metadata handles GET /video/metadata?file=.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	path, src, ok := h.authorize(w, r, r.URL.Query().Get("file"))
	if !ok {
		return
	}

	d, known, err := h.deps.Transcoder.Duration(r.Context(), src, path)
	switch {
	case r.Context().Err() != nil:
		h.log.Debug("client disconnected during probe", slog.String("path", path))
	case err != nil:
		h.log.Error("probe failed", slog.String("path", path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, metadataResponse{Error: "failed to probe media"})
	case !known:
		writeJSON(w, http.StatusOK, metadataResponse{Error: "duration unknown"})
	default:
		writeJSON(w, http.StatusOK, metadataResponse{Duration: &d})
	}
}

var errInvalidStart = errors.New("invalid startTime")

func parseStartTime(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, errInvalidStart
	}
	return &v, nil
}

// Stream handles GET /video/stream?file=&startTime=.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path, src, ok := h.authorize(w, r, q.Get("file"))
	if !ok {
		return
	}
	start, err := parseStartTime(q.Get("startTime"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.deps.Transcoder.Stream(w, r, src, path, start)
}

// Thumbnail handles GET /video/thumbnail?file=.
func (h *Handler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	path, src, ok := h.authorize(w, r, r.URL.Query().Get("file"))
	if !ok {
		return
	}
	h.deps.Thumbnails.Serve(w, r, src, path)
}

// HLS handles GET /video/hls/{name}?file=: the master playlist, the media
// playlist, or one segment.
func (h *Handler) HLS(w http.ResponseWriter, r *http.Request) {
	path, src, ok := h.authorize(w, r, r.URL.Query().Get("file"))
	if !ok {
		return
	}
	switch name := chi.URLParam(r, "name"); name {
	case hls.MasterPlaylist:
		h.deps.HLS.ServeMaster(w, r, src, path)
	case hls.MediaPlaylist:
		h.deps.HLS.ServeMedia(w, r, path)
	default:
		h.deps.HLS.ServeSegment(w, r, path, name)
	}
}

// Static serves any other path as a literal resource path with range support.
func (h *Handler) Static(w http.ResponseWriter, r *http.Request) {
	raw := norm.NFC.String(r.URL.Path)
	path, src, ok := h.authorize(w, r, raw)
	if !ok {
		return
	}
	h.deps.Files.Serve(w, r, src, path)
}
