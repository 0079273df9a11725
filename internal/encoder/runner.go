// Package encoder runs the external ffmpeg binary.
//
// Every process is an owned resource: whoever receives a Handle must Close
// it, and Close never returns while the process is still alive.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"media-streamer/internal/platform/metrics"
)

// ErrStart means the binary could not be spawned.
var ErrStart = errors.New("encoder failed to start")

// Job is one encoder invocation.
type Job struct {
	Args []string
	// PipeStdout exposes standard output through Handle.Stdout.
	PipeStdout bool
	// OnStderrLine, if set, sees every diagnostic line as it is produced.
	OnStderrLine func(string)
}

// Handle controls a running encoder.
type Handle interface {
	// Stdout is the process output, or nil when the job did not ask for it.
	Stdout() io.Reader
	// Wait blocks until the process exits and returns its exit error.
	// It may be called any number of times.
	Wait() error
	// Kill forcibly terminates the process and everything it spawned.
	Kill() error
	// Close kills the process if it is still running, waits for it and
	// releases its pipes.
	Close() error
	// Diagnostics returns the tail of standard error.
	Diagnostics() []string
}

// Runner starts encoder jobs.
type Runner interface {
	Start(ctx context.Context, job Job) (Handle, error)
}

// Exec runs a real binary.
type Exec struct {
	Binary  string
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// NewExec returns an Exec for binary ("ffmpeg" when empty).
func NewExec(binary string, log *slog.Logger, m *metrics.Metrics) *Exec {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Exec{Binary: binary, Log: log, Metrics: m}
}

// Start spawns the job in its own process group. ctx only gates the spawn;
// the process lives until Kill or Close.
func (e *Exec) Start(ctx context.Context, job Job) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// #nosec G204 -- binary is operator configured; arguments come from the builders in this package
	cmd := exec.Command(e.Binary, job.Args...)
	setProcessGroup(cmd)

	var stdoutR, stdoutW *os.File
	if job.PipeStdout {
		var err error
		stdoutR, stdoutW, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdout pipe: %v", ErrStart, err)
		}
		cmd.Stdout = stdoutW
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrStart, err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}
	// The child holds its own copy of the write end.
	closeAll(stdoutW)

	p := &process{
		cmd:     cmd,
		stdout:  stdoutR,
		done:    make(chan struct{}),
		ring:    newRingBuffer(64),
		onLine:  job.OnStderrLine,
		log:     e.Log,
		metrics: e.Metrics,
	}
	go p.monitor(stderr)

	e.Log.Debug("encoder started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("args", strings.Join(redactArgs(job.Args), " ")))
	return p, nil
}

// redactArgs hides -headers values, which carry bearer tokens.
func redactArgs(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i+1 < len(out); i++ {
		if out[i] == "-headers" {
			out[i+1] = "[redacted]"
		}
	}
	return out
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

type process struct {
	cmd     *exec.Cmd
	stdout  *os.File
	done    chan struct{}
	waitErr error
	ring    *ringBuffer
	onLine  func(string)

	killOnce  sync.Once
	killErr   error
	closeOnce sync.Once

	log     *slog.Logger
	metrics *metrics.Metrics
}

func (p *process) Stdout() io.Reader {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

func (p *process) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *process) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.killErr = killProcessGroup(p.cmd)
		p.metrics.IncEncoderKills()
		p.log.Debug("encoder killed", slog.Int("pid", p.cmd.Process.Pid))
	})
	return p.killErr
}

func (p *process) Close() error {
	p.closeOnce.Do(func() {
		select {
		case <-p.done:
		default:
			p.Kill()
		}
		<-p.done
		if p.stdout != nil {
			p.stdout.Close()
		}
	})
	return nil
}

func (p *process) Diagnostics() []string {
	return p.ring.lines()
}

// monitor drains stderr and reaps the process once stderr hits EOF.
func (p *process) monitor(stderr io.Reader) {
	defer close(p.done)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.ring.add(line)
		if p.onLine != nil {
			p.onLine(line)
		}
	}
	// Keep draining if a line overflowed the scanner so the child never blocks on a full pipe.
	io.Copy(io.Discard, stderr)

	p.waitErr = p.cmd.Wait()
}

// ringBuffer keeps the last n stderr lines for error reports.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []string
	pos  int
	full bool
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{buf: make([]string, n)}
}

func (r *ringBuffer) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.pos] = line
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ringBuffer) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.buf[:r.pos]...)
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.pos:]...)
	return append(out, r.buf[:r.pos]...)
}
