package transcode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-streamer/internal/encoder"
	"media-streamer/internal/encoder/encodertest"
	"media-streamer/internal/platform/logger"
	"media-streamer/internal/source"
)

func localSource() source.Source {
	return source.NewLocal(afero.NewMemMapFs())
}

func TestStream_seekScenario(t *testing.T) {
	runner := &encodertest.Runner{Script: func(encoder.Job) encodertest.Script {
		return encodertest.Script{Stdout: []byte("ftyp-moof-mdat")}
	}}
	e := New(runner, logger.Discard(), nil)

	start := 30.0
	req := httptest.NewRequest(http.MethodGet, "/video/stream?file=/media/a.mp4&startTime=30", nil)
	rec := httptest.NewRecorder()
	e.Stream(rec, req, localSource(), "/media/a.mp4", &start)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ftyp-moof-mdat", rec.Body.String())

	jobs := runner.Jobs()
	require.Len(t, jobs, 1)
	args := jobs[0].Args
	ss, in := slices.Index(args, "-ss"), slices.Index(args, "-i")
	require.GreaterOrEqual(t, ss, 0)
	assert.Equal(t, "30", args[ss+1])
	assert.Less(t, ss, in)
	assert.Equal(t, "/media/a.mp4", args[in+1])
	assert.True(t, jobs[0].PipeStdout)

	h := runner.Handles()[0]
	assert.True(t, h.Closed())
	assert.Zero(t, h.Kills())
}

func TestStream_disconnectKillsOnce(t *testing.T) {
	runner := &encodertest.Runner{Script: func(encoder.Job) encodertest.Script {
		return encodertest.Script{Stdout: []byte("first chunk"), Block: true}
	}}
	e := New(runner, logger.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/video/stream?file=/media/a.mp4", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Stream(rec, req, localSource(), "/media/a.mp4", nil)
	}()

	require.Eventually(t, func() bool { return len(runner.Handles()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after disconnect")
	}

	h := runner.Handles()[0]
	assert.Equal(t, 1, h.Kills())
	assert.True(t, h.Closed())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStream_startFailure(t *testing.T) {
	runner := &encodertest.Runner{StartErr: encoder.ErrStart}
	e := New(runner, logger.Discard(), nil)

	req := httptest.NewRequest(http.MethodGet, "/video/stream?file=/media/a.mp4", nil)
	rec := httptest.NewRecorder()
	e.Stream(rec, req, localSource(), "/media/a.mp4", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEqual(t, "video/mp4", rec.Header().Get("Content-Type"))
}

func TestStream_inputFailure(t *testing.T) {
	runner := &encodertest.Runner{}
	e := New(runner, logger.Discard(), nil)

	req := httptest.NewRequest(http.MethodGet, "/video/stream?file=relative.mp4", nil)
	rec := httptest.NewRecorder()
	e.Stream(rec, req, localSource(), "relative.mp4", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, runner.Calls())
}

func TestStream_encoderDiesAfterHeaders(t *testing.T) {
	runner := &encodertest.Runner{Script: func(encoder.Job) encodertest.Script {
		return encodertest.Script{
			Stdout: []byte("partial"),
			Run:    func(encoder.Job) error { return errors.New("exit status 1") },
		}
	}}
	e := New(runner, logger.Discard(), nil)

	req := httptest.NewRequest(http.MethodGet, "/video/stream?file=/media/a.mp4", nil)
	rec := httptest.NewRecorder()

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		e.Stream(rec, req, localSource(), "/media/a.mp4", nil)
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
	assert.True(t, runner.Handles()[0].Closed())
}

func TestDuration(t *testing.T) {
	runner := &encodertest.Runner{Script: func(encoder.Job) encodertest.Script {
		return encodertest.Script{Stderr: []string{"  Duration: 00:02:05.40, start: 0.000000"}}
	}}
	e := New(runner, logger.Discard(), nil)

	d, ok, err := e.Duration(context.Background(), localSource(), "/media/a.mp4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 125.4, d, 1e-9)
}
