// Package fileserver serves MediaSource objects over HTTP with single-range support.
package fileserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"media-streamer/internal/platform/metrics"
	"media-streamer/internal/source"
)

// Server writes full (200) or partial (206) responses for any backend.
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Server. Metrics may be nil.
func New(log *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{log: log, metrics: m}
}

// Serve answers r with the object at path. Headers are only written once the
// backend stream is open, so every failure before that point still gets a
// proper status; failures after it just end the body early.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, src source.Source, path string) {
	ctx := r.Context()

	md, err := src.Metadata(ctx, path)
	if err != nil {
		s.writeLookupError(ctx, w, path, err)
		return
	}

	rng, outcome := ParseRange(r.Header.Get("Range"), md.Size)
	if outcome == Unsatisfiable {
		w.Header().Set("Content-Range", Format416ContentRange(md.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	var want *source.ByteRange
	status, length := http.StatusOK, md.Size
	if outcome == Satisfiable {
		want = &rng
		status, length = http.StatusPartialContent, rng.Len()
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", md.MimeType)
	if !md.LastModified.IsZero() {
		h.Set("Last-Modified", md.LastModified.UTC().Format(http.TimeFormat))
	}

	if r.Method == http.MethodHead {
		h.Set("Content-Length", strconv.FormatInt(length, 10))
		if want != nil {
			h.Set("Content-Range", FormatContentRange(rng, md.Size))
		}
		w.WriteHeader(status)
		return
	}

	body, err := src.Open(ctx, path, want)
	if err != nil {
		s.writeLookupError(ctx, w, path, err)
		return
	}
	defer body.Close()

	h.Set("Content-Length", strconv.FormatInt(length, 10))
	if want != nil {
		h.Set("Content-Range", FormatContentRange(rng, md.Size))
	}
	w.WriteHeader(status)

	n, err := io.Copy(w, io.LimitReader(body, length))
	s.metrics.AddBytesServed(n)
	switch {
	case ctx.Err() != nil:
		s.log.Debug("client disconnected mid-body",
			slog.String("path", path),
			slog.Int64("written", n))
	case err != nil:
		// Headers are gone; returning short of Content-Length makes net/http drop the connection.
		s.log.Warn("body stream failed",
			slog.String("path", path),
			slog.Int64("written", n),
			slog.String("error", err.Error()))
	case n < length:
		s.log.Warn("body stream ended early",
			slog.String("path", path),
			slog.Int64("written", n),
			slog.Int64("expected", length))
	}
}

func (s *Server) writeLookupError(ctx context.Context, w http.ResponseWriter, path string, err error) {
	switch {
	case ctx.Err() != nil:
		s.log.Debug("client disconnected before body", slog.String("path", path))
	case errors.Is(err, source.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	default:
		s.log.Error("media lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
