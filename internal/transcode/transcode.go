// Package transcode streams media re-encoded to fragmented MP4.
package transcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"media-streamer/internal/encoder"
	"media-streamer/internal/platform/metrics"
	"media-streamer/internal/source"
)

const (
	contentType = "video/mp4"
	copyBufSize = 64 * 1024
)

// Engine runs one encoder per streaming request.
type Engine struct {
	runner  encoder.Runner
	prober  *encoder.Prober
	profile encoder.Profile
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns an Engine. Metrics may be nil.
func New(runner encoder.Runner, log *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		runner:  runner,
		prober:  encoder.NewProber(runner, log),
		profile: encoder.DefaultProfile,
		log:     log,
		metrics: m,
	}
}

// Stream answers r with the encoder's output for path, optionally starting
// at start seconds. The encoder is killed as soon as the client goes away.
func (e *Engine) Stream(w http.ResponseWriter, r *http.Request, src source.Source, path string, start *float64) {
	ctx := r.Context()

	in, err := src.Input(ctx, path)
	if err != nil {
		e.fail(ctx, w, path, "resolve input", err)
		return
	}

	h, err := e.runner.Start(ctx, encoder.Job{
		Args:       encoder.TranscodeArgs(in, start, e.profile),
		PipeStdout: true,
	})
	if err != nil {
		e.fail(ctx, w, path, "start encoder", err)
		return
	}
	defer h.Close()

	var killed atomic.Bool
	kill := sync.OnceFunc(func() {
		killed.Store(true)
		h.Kill()
	})
	stop := context.AfterFunc(ctx, kill)
	defer stop()

	e.metrics.TranscodeStarted()
	defer e.metrics.TranscodeFinished()

	// Output length is unknown, so headers go out before the first encoded byte.
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	rc.Flush()

	n, copyErr := copyFlushing(w, rc, h.Stdout())
	e.metrics.AddBytesServed(n)

	if copyErr != nil {
		// Client write failed or stdout broke; either way the encoder is useless now.
		kill()
	}
	waitErr := h.Wait()

	switch {
	case ctx.Err() != nil:
		e.log.Debug("client disconnected mid-transcode",
			slog.String("path", path),
			slog.Int64("written", n))
	case errors.Is(copyErr, errClientWrite):
		e.log.Debug("client write failed mid-transcode",
			slog.String("path", path),
			slog.Int64("written", n))
	case waitErr != nil || copyErr != nil:
		e.log.Warn("encoder failed mid-stream",
			slog.String("path", path),
			slog.Int64("written", n),
			slog.Bool("killed", killed.Load()),
			slog.Any("error", errors.Join(copyErr, waitErr)),
			slog.Any("stderr", h.Diagnostics()))
		// Headers are gone; tear down the connection so the client sees a truncated body.
		panic(http.ErrAbortHandler)
	default:
		e.log.Debug("transcode finished", slog.String("path", path), slog.Int64("written", n))
	}
}

var errClientWrite = errors.New("client write failed")

func copyFlushing(w io.Writer, rc *http.ResponseController, r io.Reader) (int64, error) {
	buf := make([]byte, copyBufSize)
	var total int64
	for {
		nr, rerr := r.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, errors.Join(errClientWrite, werr)
			}
			rc.Flush()
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

func (e *Engine) fail(ctx context.Context, w http.ResponseWriter, path, op string, err error) {
	if ctx.Err() != nil {
		e.log.Debug("client disconnected before transcode", slog.String("path", path))
		return
	}
	e.log.Error("transcode failed",
		slog.String("path", path),
		slog.String("op", op),
		slog.String("error", err.Error()))
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// Duration probes path. ok is false when the encoder could not tell.
func (e *Engine) Duration(ctx context.Context, src source.Source, path string) (seconds float64, ok bool, err error) {
	in, err := src.Input(ctx, path)
	if err != nil {
		return 0, false, err
	}
	return e.prober.Duration(ctx, in)
}
