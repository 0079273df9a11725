package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogger returns a chi-compatible middleware that logs each request
// with method, path, status, duration_ms, and response size. The wrapped
// writer keeps http.Flusher available so streamed responses still flush.
func RequestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(wrap, r)
			status := wrap.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
				slog.Int("size", wrap.BytesWritten()),
			}
			if r.Context().Err() != nil {
				// Client went away; not a server failure.
				log.Debug("request aborted by client", attrs...)
				return
			}
			log.Info("request", attrs...)
		})
	}
}
