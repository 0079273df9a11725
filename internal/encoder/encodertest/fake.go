// Package encodertest provides a scripted encoder.Runner for tests.
package encodertest

import (
	"context"
	"errors"
	"io"
	"sync"

	"media-streamer/internal/encoder"
)

// ErrKilled is the exit error of a killed fake process.
var ErrKilled = errors.New("signal: killed")

// Script describes what one fake process does.
type Script struct {
	// Stderr lines are fed to Job.OnStderrLine before anything else.
	Stderr []string
	// Run performs side effects (e.g. writing output files) and returns the exit error.
	Run func(job encoder.Job) error
	// Stdout is written to the stdout pipe when the job asked for it.
	Stdout []byte
	// Block keeps the process alive after Stdout until it is killed.
	Block bool
}

// Runner records every job and plays back a Script for each.
type Runner struct {
	// StartErr, if set, fails every Start.
	StartErr error
	// Script picks the behaviour for a job. nil means exit 0 immediately.
	Script func(job encoder.Job) Script

	mu      sync.Mutex
	jobs    []encoder.Job
	handles []*Handle
}

func (r *Runner) Start(ctx context.Context, job encoder.Job) (encoder.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if r.StartErr != nil {
		return nil, r.StartErr
	}

	var sc Script
	if r.Script != nil {
		sc = r.Script(job)
	}
	h := &Handle{
		job:    job,
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
	if job.PipeStdout {
		h.stdoutR, h.stdoutW = io.Pipe()
	}
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()

	go h.run(sc)
	return h, nil
}

// Jobs returns every job started so far.
func (r *Runner) Jobs() []encoder.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]encoder.Job(nil), r.jobs...)
}

// Calls is the number of Start calls.
func (r *Runner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Handles returns every handle started so far.
func (r *Runner) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

// Handle is a fake running process. Unlike the real one, Kill does not
// deduplicate, so tests can count every call.
type Handle struct {
	job     encoder.Job
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	done    chan struct{}
	exitErr error

	mu         sync.Mutex
	kills      int
	closed     bool
	killed     chan struct{}
	killedOnce sync.Once
}

func (h *Handle) run(sc Script) {
	var exitErr error
	defer func() {
		if h.stdoutW != nil {
			if exitErr != nil {
				h.stdoutW.CloseWithError(exitErr)
			} else {
				h.stdoutW.Close()
			}
		}
		h.exitErr = exitErr
		close(h.done)
	}()

	for _, line := range sc.Stderr {
		if h.job.OnStderrLine != nil {
			h.job.OnStderrLine(line)
		}
	}
	if sc.Run != nil {
		exitErr = sc.Run(h.job)
	}
	if h.stdoutW != nil && len(sc.Stdout) > 0 {
		if _, err := h.stdoutW.Write(sc.Stdout); err != nil {
			exitErr = ErrKilled
			return
		}
	}
	if sc.Block {
		<-h.killed
		exitErr = ErrKilled
		return
	}
	select {
	case <-h.killed:
		exitErr = ErrKilled
	default:
	}
}

func (h *Handle) Stdout() io.Reader {
	if h.stdoutR == nil {
		return nil
	}
	return h.stdoutR
}

func (h *Handle) Wait() error {
	<-h.done
	return h.exitErr
}

func (h *Handle) Kill() error {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()
	h.killedOnce.Do(func() {
		close(h.killed)
		if h.stdoutR != nil {
			h.stdoutR.CloseWithError(ErrKilled)
		}
	})
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	alreadyKilled := h.kills > 0
	h.closed = true
	h.mu.Unlock()
	select {
	case <-h.done:
	default:
		if !alreadyKilled {
			h.Kill()
		}
	}
	<-h.done
	if h.stdoutR != nil {
		h.stdoutR.Close()
	}
	return nil
}

func (h *Handle) Diagnostics() []string { return nil }

// Kills is how many times Kill was called.
func (h *Handle) Kills() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kills
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Job is the job this handle runs.
func (h *Handle) Job() encoder.Job { return h.job }

// Done is closed once the fake process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }
