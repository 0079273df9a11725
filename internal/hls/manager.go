// Package hls produces segmented playback sessions, one encoder per media path.
package hls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"media-streamer/internal/encoder"
	"media-streamer/internal/fileserver"
	"media-streamer/internal/platform/metrics"
	"media-streamer/internal/source"
)

const (
	// MasterPlaylist is the entry point players request.
	MasterPlaylist = "playlist.m3u8"
	// MediaPlaylist is written by the encoder inside each session directory.
	MediaPlaylist = "stream.m3u8"

	segmentPattern = "segment_%d.ts"
	pollInterval   = 250 * time.Millisecond
)

var (
	ErrNotReady       = errors.New("playlist not ready")
	ErrEncoderExited  = errors.New("encoder exited before producing a playlist")
	ErrInvalidSegment = errors.New("invalid segment name")
	ErrNotStarted     = errors.New("session manager not started")
)

// Options configures a Manager.
type Options struct {
	Root           string
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	SegmentSeconds int
	PlaylistWait   time.Duration
}

// Session is one segment-producing encoder run.
type Session struct {
	ID   string
	Path string
	Dir  string

	handle     encoder.Handle
	exited     chan struct{}
	exitErr    error
	lastAccess time.Time
}

// failed reports whether the encoder has exited with an error.
func (s *Session) failed() bool {
	select {
	case <-s.exited:
		return s.exitErr != nil
	default:
		return false
	}
}

// Manager owns every session, its encoder and its working directory.
// Create it with NewManager, then call Start before use and Shutdown at exit.
type Manager struct {
	opts    Options
	fs      afero.Fs
	runner  encoder.Runner
	files   *fileserver.Server
	local   source.Source
	profile encoder.Profile
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	store   Store
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	// creating holds one flight per media path while its encoder starts.
	creating singleflight.Group
}

// NewManager returns a Manager writing session directories under opts.Root.
// Metrics may be nil.
func NewManager(opts Options, fsys afero.Fs, runner encoder.Runner, files *fileserver.Server, log *slog.Logger, m *metrics.Metrics) *Manager {
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 6
	}
	return &Manager{
		opts:    opts,
		fs:      fsys,
		runner:  runner,
		files:   files,
		local:   source.NewLocal(fsys),
		profile: encoder.DefaultProfile,
		log:     log,
		metrics: m,
		now:     time.Now,
		store:   NewInMemoryStore(),
	}
}

// Start prepares the root directory, removes sessions orphaned by a previous
// run and schedules the idle sweeper.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	if err := m.fs.MkdirAll(m.opts.Root, 0o755); err != nil {
		return fmt.Errorf("create hls root: %w", err)
	}
	if err := m.purgeOrphans(); err != nil {
		return err
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.opts.SweepInterval > 0 {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc("@every "+m.opts.SweepInterval.String(), m.Sweep); err != nil {
			m.cancel()
			return fmt.Errorf("schedule sweeper: %w", err)
		}
		m.cron.Start()
	}
	m.started = true
	m.log.Info("hls manager started",
		slog.String("root", m.opts.Root),
		slog.Duration("idle_timeout", m.opts.IdleTimeout),
		slog.Duration("sweep_interval", m.opts.SweepInterval))
	return nil
}

func (m *Manager) purgeOrphans() error {
	entries, err := afero.ReadDir(m.fs, m.opts.Root)
	if err != nil {
		return fmt.Errorf("list hls root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		dir := filepath.Join(m.opts.Root, e.Name())
		if err := m.fs.RemoveAll(dir); err != nil {
			m.log.Warn("remove orphaned session dir", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		m.log.Info("removed orphaned session dir", slog.String("dir", dir))
	}
	return nil
}

// Shutdown stops the sweeper, kills every encoder and removes every
// session directory.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	c := m.cron
	sessions := m.store.List()
	for _, s := range sessions {
		m.store.Delete(s.Path)
	}
	m.cancel()
	m.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, s := range sessions {
		m.destroy(s)
	}
	m.metrics.SetActiveHLSSessions(0)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info("hls manager stopped", slog.Int("sessions_purged", len(sessions)))
	return nil
}

// EnsureSession returns the active session for path, creating it and
// starting its encoder if none exists. Concurrent calls for the same path
// share one session. The manager lock is only held around the store, so a
// slow start for one path does not stall requests for any other.
func (m *Manager) EnsureSession(ctx context.Context, src source.Source, path string) (string, error) {
	if id, ok, err := m.lookup(path); err != nil || ok {
		return id, err
	}

	// The flight is shared, so one requester leaving must not cancel it.
	ch := m.creating.DoChan(path, func() (any, error) {
		if id, ok, err := m.lookup(path); err != nil || ok {
			return id, err
		}
		return m.create(context.WithoutCancel(ctx), src, path)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// lookup touches and returns the live session for path. A stale or failed
// session is removed from the store and destroyed in the background.
func (m *Manager) lookup(path string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return "", false, ErrNotStarted
	}

	now := m.now()
	s, ok := m.store.Get(path)
	if !ok {
		return "", false, nil
	}
	if !m.expired(s, now) && !s.failed() {
		s.lastAccess = now
		return s.ID, true, nil
	}
	m.store.Delete(path)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.destroy(s)
	}()
	return "", false, nil
}

// create starts an encoder for path and records the session. Only the
// store insert runs under the manager lock.
func (m *Manager) create(ctx context.Context, src source.Source, path string) (string, error) {
	m.mu.Lock()
	runCtx := m.ctx
	m.mu.Unlock()

	in, err := src.Input(ctx, path)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	dir := filepath.Join(m.opts.Root, id)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	h, err := m.runner.Start(runCtx, encoder.Job{
		Args: encoder.HLSArgs(in,
			filepath.Join(dir, MediaPlaylist),
			filepath.Join(dir, segmentPattern),
			m.opts.SegmentSeconds, m.profile),
	})
	if err != nil {
		m.fs.RemoveAll(dir)
		return "", err
	}

	s := &Session{
		ID:         id,
		Path:       path,
		Dir:        dir,
		handle:     h,
		exited:     make(chan struct{}),
		lastAccess: m.now(),
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		// Shutdown ran while the encoder was starting.
		m.destroy(s)
		return "", ErrNotStarted
	}
	m.store.Set(s)
	active := len(m.store.List())
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.SetActiveHLSSessions(active)
	go m.watch(s)

	m.log.Info("hls session created",
		slog.String("session_id", id),
		slog.String("path", path))
	return id, nil
}

func (m *Manager) watch(s *Session) {
	defer m.wg.Done()
	err := s.handle.Wait()
	s.exitErr = err
	close(s.exited)
	if err != nil {
		m.log.Warn("hls encoder exited",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
			slog.Any("stderr", s.handle.Diagnostics()))
		return
	}
	m.log.Debug("hls encoder finished", slog.String("session_id", s.ID))
}

// destroy kills the encoder and removes the directory. The session must
// already be out of the store.
func (m *Manager) destroy(s *Session) {
	s.handle.Close()
	if err := m.fs.RemoveAll(s.Dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("remove session dir", slog.String("dir", s.Dir), slog.String("error", err.Error()))
	}
}

func (m *Manager) expired(s *Session, now time.Time) bool {
	return m.opts.IdleTimeout > 0 && now.Sub(s.lastAccess) > m.opts.IdleTimeout
}

// SessionDir returns the working directory of the active session for path.
func (m *Manager) SessionDir(path string) (string, bool) {
	s, ok := m.active(path)
	if !ok {
		return "", false
	}
	return s.Dir, true
}

func (m *Manager) active(path string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store.Get(path)
	if !ok || m.expired(s, m.now()) {
		return nil, false
	}
	return s, true
}

// Touch resets the idle clock of the session for path.
func (m *Manager) Touch(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.store.Get(path); ok && !m.expired(s, m.now()) {
		s.lastAccess = m.now()
	}
}

// Sweep evicts idle sessions.
func (m *Manager) Sweep() {
	now := m.now()
	var evicted []*Session

	m.mu.Lock()
	for _, s := range m.store.List() {
		if m.expired(s, now) {
			m.store.Delete(s.Path)
			evicted = append(evicted, s)
		}
	}
	active := len(m.store.List())
	m.mu.Unlock()

	for _, s := range evicted {
		m.destroy(s)
		m.metrics.IncHLSSessionsEvicted()
		m.log.Info("hls session evicted",
			slog.String("session_id", s.ID),
			slog.String("path", s.Path))
	}
	m.metrics.SetActiveHLSSessions(active)
}

// ActiveSessions is the number of sessions in the table.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store.List())
}

// waitForPlaylist blocks until the encoder has written its media playlist.
func (m *Manager) waitForPlaylist(ctx context.Context, s *Session) error {
	target := filepath.Join(s.Dir, MediaPlaylist)
	ready := func() bool {
		info, err := m.fs.Stat(target)
		return err == nil && info.Size() > 0
	}
	if ready() {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.PlaylistWait)
	defer cancel()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(s.Dir); err == nil {
			events, errs = w.Events, w.Errors
		}
	}
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		if ready() {
			return nil
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrNotReady
		case <-s.exited:
			if ready() {
				return nil
			}
			return ErrEncoderExited
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-tick.C:
		}
	}
}
