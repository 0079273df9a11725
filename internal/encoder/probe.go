package encoder

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"sync"

	"media-streamer/internal/source"
)

var durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ParseDuration extracts "Duration: HH:MM:SS[.frac]" from one diagnostic
// line and returns seconds rounded to the millisecond.
func ParseDuration(line string) (float64, bool) {
	m := durationPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, err1 := strconv.Atoi(m[1])
	mm, err2 := strconv.Atoi(m[2])
	s, err3 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	total := float64(h*3600+mm*60) + s
	return math.Round(total*1000) / 1000, true
}

// Prober reads media duration from the encoder's analyze-only output.
type Prober struct {
	runner Runner
	log    *slog.Logger
}

func NewProber(runner Runner, log *slog.Logger) *Prober {
	return &Prober{runner: runner, log: log}
}

// Duration returns the input's duration. ok is false when the encoder ran
// but printed no duration; err is only set when it could not run at all.
func (p *Prober) Duration(ctx context.Context, in source.Input) (seconds float64, ok bool, err error) {
	var (
		mu    sync.Mutex
		found bool
		value float64
	)
	h, err := p.runner.Start(ctx, Job{
		Args: ProbeArgs(in),
		OnStderrLine: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			if found {
				return
			}
			value, found = ParseDuration(line)
		},
	})
	if err != nil {
		return 0, false, err
	}
	defer h.Close()

	stop := context.AfterFunc(ctx, func() { h.Kill() })
	defer stop()

	// Analyze-only runs exit non-zero ("no output file"); the exit status carries no information.
	if werr := h.Wait(); werr != nil {
		p.log.Debug("probe exited", slog.String("input", in.Locator), slog.Any("error", werr))
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	mu.Lock()
	defer mu.Unlock()
	return value, found, nil
}
