package thumbnail

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
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

var jpeg = []byte("\xff\xd8\xff\xe0fake-jpeg")

func outputPath(job encoder.Job) string {
	return job.Args[len(job.Args)-1]
}

func writesFrame(encoder.Job) encodertest.Script {
	return encodertest.Script{Run: func(job encoder.Job) error {
		return os.WriteFile(outputPath(job), jpeg, 0o644)
	}}
}

func newLocal(t *testing.T, files ...string) source.Source {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, f := range files {
		require.NoError(t, afero.WriteFile(fs, f, []byte("media"), 0o644))
	}
	return source.NewLocal(fs)
}

func newService(t *testing.T, runner encoder.Runner) *Service {
	t.Helper()
	s := New(Options{Dir: t.TempDir(), Offset: 5 * time.Second, Width: 320}, runner, logger.Discard(), nil)
	require.NoError(t, s.Init())
	return s
}

func serve(s *Service, src source.Source, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, "/video/thumbnail", nil), src, path)
	return rec
}

func TestServe_secondRequestFromCache(t *testing.T) {
	runner := &encodertest.Runner{Script: writesFrame}
	s := newService(t, runner)
	src := newLocal(t, "/media/a.mp4")

	first := serve(s, src, "/media/a.mp4")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "image/jpeg", first.Header().Get("Content-Type"))
	assert.Contains(t, first.Header().Get("Cache-Control"), "max-age=31536000")
	assert.Equal(t, jpeg, first.Body.Bytes())
	require.Equal(t, 1, runner.Calls())

	second := serve(s, src, "/media/a.mp4")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, jpeg, second.Body.Bytes())
	assert.Equal(t, 1, runner.Calls(), "cached thumbnail must not re-run the encoder")
}

func TestServe_videoSkipsLeadIn(t *testing.T) {
	runner := &encodertest.Runner{Script: writesFrame}
	s := newService(t, runner)

	require.Equal(t, http.StatusOK, serve(s, newLocal(t, "/media/a.mp4"), "/media/a.mp4").Code)
	args := runner.Jobs()[0].Args
	ss := slices.Index(args, "-ss")
	require.GreaterOrEqual(t, ss, 0)
	assert.Equal(t, "5", args[ss+1])
	assert.Contains(t, args, "/media/a.mp4")
}

func TestServe_imageHasNoSeek(t *testing.T) {
	runner := &encodertest.Runner{Script: writesFrame}
	s := newService(t, runner)

	require.Equal(t, http.StatusOK, serve(s, newLocal(t, "/media/p.png"), "/media/p.png").Code)
	assert.NotContains(t, runner.Jobs()[0].Args, "-ss")
}

func TestServe_encoderFailure(t *testing.T) {
	runner := &encodertest.Runner{Script: func(encoder.Job) encodertest.Script {
		return encodertest.Script{Run: func(encoder.Job) error { return errors.New("exit status 1") }}
	}}
	s := newService(t, runner)

	rec := serve(s, newLocal(t, "/media/a.mp4"), "/media/a.mp4")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "generation failed")

	entries, err := os.ReadDir(s.opts.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed generation must leave nothing in the cache")
}

func TestServe_successWithoutFrameRetriesFromStart(t *testing.T) {
	runner := &encodertest.Runner{}
	s := newService(t, runner)

	rec := serve(s, newLocal(t, "/media/short.mp4"), "/media/short.mp4")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	jobs := runner.Jobs()
	require.Len(t, jobs, 2)
	assert.Contains(t, jobs[0].Args, "-ss")
	assert.NotContains(t, jobs[1].Args, "-ss")
}

func TestServe_startFailure(t *testing.T) {
	runner := &encodertest.Runner{StartErr: encoder.ErrStart}
	s := newService(t, runner)

	rec := serve(s, newLocal(t, "/media/a.mp4"), "/media/a.mp4")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, runner.Calls())
}

func TestServe_missingAsset(t *testing.T) {
	runner := &encodertest.Runner{Script: writesFrame}
	s := newService(t, runner)

	rec := serve(s, newLocal(t), "/media/gone.mp4")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, runner.Calls())
}

func TestServe_emptyCacheEntryRegenerates(t *testing.T) {
	runner := &encodertest.Runner{Script: writesFrame}
	s := newService(t, runner)
	src := newLocal(t, "/media/a.mp4")

	md, err := src.Metadata(context.Background(), "/media/a.mp4")
	require.NoError(t, err)
	cached := s.cachePath(CacheKey(source.KindLocal, "/media/a.mp4", md.LastModified))
	require.NoError(t, os.WriteFile(cached, nil, 0o644))

	rec := serve(s, src, "/media/a.mp4")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runner.Calls())
	data, err := os.ReadFile(cached)
	require.NoError(t, err)
	assert.Equal(t, jpeg, data)
}

func TestServe_concurrentMissesShareOneGeneration(t *testing.T) {
	release := make(chan struct{})
	runner := &encodertest.Runner{Script: func(encoder.Job) encodertest.Script {
		return encodertest.Script{Run: func(job encoder.Job) error {
			<-release
			return os.WriteFile(outputPath(job), jpeg, 0o644)
		}}
	}}
	s := newService(t, runner)
	src := newLocal(t, "/media/a.mp4")

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = serve(s, src, "/media/a.mp4").Code
		}(i)
	}
	require.Eventually(t, func() bool { return runner.Calls() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	assert.Equal(t, 1, runner.Calls())
}

func TestCacheKey(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	assert.NotEqual(t, CacheKey(source.KindLocal, "/a.mp4", t1), CacheKey(source.KindLocal, "/a.mp4", t2))
	assert.NotEqual(t, CacheKey(source.KindLocal, "/a.mp4", t1), CacheKey(source.KindLocal, "/b.mp4", t1))
	assert.NotEqual(t,
		CacheKey(source.KindRemoteDrive, "gdrive://f/x", t1),
		CacheKey(source.KindRemoteDrive, "gdrive://f/x", t2),
		"an edited remote object gets a new key")
	assert.Equal(t,
		CacheKey(source.KindRemoteDrive, "gdrive://f/x", time.Time{}),
		CacheKey(source.KindRemoteDrive, "gdrive://f/x", time.Time{}))
	assert.NotEqual(t,
		CacheKey(source.KindLocal, "gdrive://f/x", t1),
		CacheKey(source.KindRemoteDrive, "gdrive://f/x", t1))
	assert.Len(t, CacheKey(source.KindLocal, "/a.mp4", t1), 64)
}

// remoteStub is a drive-like backend with a provider thumbnail.
type remoteStub struct {
	thumb      []byte
	thumbErr   error
	thumbCalls atomic.Int32

	mu       sync.Mutex
	modified time.Time
}

func (r *remoteStub) setModified(t time.Time) {
	r.mu.Lock()
	r.modified = t
	r.mu.Unlock()
}

func (r *remoteStub) Kind() source.Kind { return source.KindRemoteDrive }
func (r *remoteStub) Metadata(context.Context, string) (source.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return source.Metadata{Size: 10, MimeType: "video/mp4", LastModified: r.modified}, nil
}
func (r *remoteStub) Open(context.Context, string, *source.ByteRange) (*source.Stream, error) {
	return nil, errors.New("not used")
}
func (r *remoteStub) Parent(p string) string { return p }
func (r *remoteStub) Resolve(p string) (string, error) { return p, nil }
func (r *remoteStub) Input(_ context.Context, p string) (source.Input, error) {
	return source.Input{Locator: "https://drive.example/" + p, Headers: []string{"Authorization: Bearer t"}}, nil
}
func (r *remoteStub) Thumbnail(context.Context, string) (io.ReadCloser, error) {
	r.thumbCalls.Add(1)
	if r.thumbErr != nil {
		return nil, r.thumbErr
	}
	return io.NopCloser(strings.NewReader(string(r.thumb))), nil
}

func TestServe_remoteWriteThrough(t *testing.T) {
	runner := &encodertest.Runner{Script: writesFrame}
	s := newService(t, runner)
	src := &remoteStub{thumb: []byte("provider-jpeg")}

	rec := serve(s, src, "gdrive://folder/file1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "provider-jpeg", rec.Body.String())
	assert.Zero(t, runner.Calls())

	data, err := os.ReadFile(s.cachePath(CacheKey(source.KindRemoteDrive, "gdrive://folder/file1", time.Time{})))
	require.NoError(t, err)
	assert.Equal(t, "provider-jpeg", string(data))

	rec = serve(s, src, "gdrive://folder/file1")
	assert.Equal(t, "provider-jpeg", rec.Body.String())
	assert.Equal(t, int32(1), src.thumbCalls.Load())
}

func TestServe_remoteFallsBackToEncoder(t *testing.T) {
	runner := &encodertest.Runner{Script: writesFrame}
	s := newService(t, runner)
	src := &remoteStub{thumbErr: source.ErrNotFound}

	rec := serve(s, src, "gdrive://folder/file1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jpeg, rec.Body.Bytes())

	args := runner.Jobs()[0].Args
	assert.Contains(t, args, "-headers")
	assert.Contains(t, args, "https://drive.example/gdrive://folder/file1")
	assert.NotEqual(t, s.cachePath(CacheKey(source.KindRemoteDrive, "gdrive://folder/file1", time.Time{})),
		outputPath(runner.Jobs()[0]), "the encoder must write to a pending file")
}

func TestServe_remoteEditRefetches(t *testing.T) {
	runner := &encodertest.Runner{Script: writesFrame}
	s := newService(t, runner)
	v1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &remoteStub{thumb: []byte("provider-jpeg"), modified: v1}

	require.Equal(t, http.StatusOK, serve(s, src, "gdrive://folder/file1").Code)
	require.Equal(t, http.StatusOK, serve(s, src, "gdrive://folder/file1").Code)
	assert.Equal(t, int32(1), src.thumbCalls.Load(), "same version is served from cache")

	src.setModified(v1.AddDate(0, 5, 0))
	rec := serve(s, src, "gdrive://folder/file1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), src.thumbCalls.Load(), "a newer version must not hit the old cache entry")

	_, err := os.Stat(s.cachePath(CacheKey(source.KindRemoteDrive, "gdrive://folder/file1", v1.AddDate(0, 5, 0))))
	assert.NoError(t, err)
	assert.Zero(t, runner.Calls())
}
