// Package thumbnail serves cached single-frame JPEG previews.
package thumbnail

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/singleflight"

	"media-streamer/internal/encoder"
	"media-streamer/internal/platform/metrics"
	"media-streamer/internal/source"
)

// ErrGenerationFailed means the asset exists but no preview could be made.
var ErrGenerationFailed = errors.New("thumbnail generation failed")

const (
	cacheControl      = "public, max-age=31536000"
	generationTimeout = 60 * time.Second
)

// Options configures a Service.
type Options struct {
	Dir    string
	Offset time.Duration
	Width  int
}

// Service generates previews once per cache key and serves them from disk afterwards.
type Service struct {
	opts    Options
	runner  encoder.Runner
	group   singleflight.Group
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Service. Metrics may be nil.
func New(opts Options, runner encoder.Runner, log *slog.Logger, m *metrics.Metrics) *Service {
	if opts.Width <= 0 {
		opts.Width = 320
	}
	return &Service{opts: opts, runner: runner, log: log, metrics: m}
}

// Init creates the cache directory.
func (s *Service) Init() error {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	return nil
}

// CacheKey identifies one preview. The modification time, when the backend
// reports one, is part of the key so an edited asset gets a fresh preview.
func CacheKey(kind source.Kind, path string, modified time.Time) string {
	h := sha256.New()
	h.Write([]byte(kind.String()))
	h.Write([]byte{0})
	h.Write([]byte(path))
	if !modified.IsZero() {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(modified.UnixNano(), 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) cachePath(key string) string {
	return filepath.Join(s.opts.Dir, key+".jpg")
}

// readCache returns the cached preview, or nil when it is absent or unreadable.
func (s *Service) readCache(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("thumbnail cache read failed, regenerating",
				slog.String("cache", path),
				slog.String("error", err.Error()))
		}
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

// Serve answers r with the preview for path.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, src source.Source, path string) {
	ctx := r.Context()

	md, err := src.Metadata(ctx, path)
	if err != nil {
		s.fail(ctx, w, path, err)
		return
	}

	key := CacheKey(src.Kind(), path, md.LastModified)
	cached := s.cachePath(key)
	if data := s.readCache(cached); data != nil {
		s.metrics.ObserveThumbnailLookup(true)
		writeJPEG(w, data)
		return
	}
	s.metrics.ObserveThumbnailLookup(false)

	// The flight is shared, so one requester leaving must not cancel it.
	v, err, shared := s.group.Do(key, func() (any, error) {
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), generationTimeout)
		defer cancel()
		return s.generate(genCtx, src, path, md, cached)
	})
	if err != nil {
		s.fail(ctx, w, path, err)
		return
	}
	s.log.Debug("thumbnail generated", slog.String("path", path), slog.Bool("shared", shared))
	writeJPEG(w, v.([]byte))
}

func (s *Service) generate(ctx context.Context, src source.Source, path string, md source.Metadata, cached string) ([]byte, error) {
	// A concurrent flight may have committed while this one was queued.
	if data := s.readCache(cached); data != nil {
		return data, nil
	}

	if t, ok := src.(source.Thumbnailer); ok {
		data, err := s.fromProvider(ctx, t, path, cached)
		if err == nil {
			return data, nil
		}
		s.log.Info("provider thumbnail unavailable, extracting frame",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
	return s.fromEncoder(ctx, src, path, md, cached)
}

// fromProvider copies the backend's own preview into the cache and memory at once.
func (s *Service) fromProvider(ctx context.Context, t source.Thumbnailer, path, cached string) ([]byte, error) {
	rc, err := t.Thumbnail(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	pending, err := renameio.NewPendingFile(cached, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, fmt.Errorf("create cache file: %w", err)
	}
	defer pending.Cleanup()

	var buf bytes.Buffer
	n, err := io.Copy(io.MultiWriter(pending, &buf), rc)
	if err != nil {
		return nil, fmt.Errorf("copy provider thumbnail: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: provider returned an empty image", ErrGenerationFailed)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return nil, fmt.Errorf("commit cache file: %w", err)
	}
	return buf.Bytes(), nil
}

// fromEncoder extracts one frame. Videos skip their first seconds, which are
// often black; a clip shorter than that is retried from the start.
func (s *Service) fromEncoder(ctx context.Context, src source.Source, path string, md source.Metadata, cached string) ([]byte, error) {
	in, err := src.Input(ctx, path)
	if err != nil {
		return nil, err
	}

	offsets := []time.Duration{0}
	if source.IsVideo(md.MimeType) && s.opts.Offset > 0 {
		offsets = []time.Duration{s.opts.Offset, 0}
	}

	var lastErr error
	for _, off := range offsets {
		data, err := s.extract(ctx, in, off, cached)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if errors.Is(err, encoder.ErrStart) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (s *Service) extract(ctx context.Context, in source.Input, offset time.Duration, cached string) ([]byte, error) {
	pending, err := renameio.NewPendingFile(cached, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, fmt.Errorf("create cache file: %w", err)
	}
	defer pending.Cleanup()

	h, err := s.runner.Start(ctx, encoder.Job{
		Args: encoder.ThumbnailArgs(in, offset, s.opts.Width, pending.Name()),
	})
	if err != nil {
		return nil, err
	}
	defer h.Close()
	stop := context.AfterFunc(ctx, func() { h.Kill() })
	defer stop()

	if err := h.Wait(); err != nil {
		return nil, fmt.Errorf("%w: encoder: %v", ErrGenerationFailed, err)
	}

	// The encoder wrote through its own descriptor; read back by name.
	data, err := os.ReadFile(pending.Name())
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("%w: encoder produced no frame at %s", ErrGenerationFailed, offset)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return nil, fmt.Errorf("commit cache file: %w", err)
	}
	return data, nil
}

func writeJPEG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Service) fail(ctx context.Context, w http.ResponseWriter, path string, err error) {
	switch {
	case ctx.Err() != nil:
		s.log.Debug("client disconnected before thumbnail", slog.String("path", path))
	case errors.Is(err, source.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	default:
		if errors.Is(err, ErrGenerationFailed) || errors.Is(err, encoder.ErrStart) {
			s.metrics.IncThumbnailFailures()
		}
		s.log.Error("thumbnail failed", slog.String("path", path), slog.String("error", err.Error()))
		http.Error(w, "Thumbnail generation failed", http.StatusInternalServerError)
	}
}
