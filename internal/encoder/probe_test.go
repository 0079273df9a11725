package encoder_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-streamer/internal/encoder"
	"media-streamer/internal/encoder/encodertest"
	"media-streamer/internal/platform/logger"
	"media-streamer/internal/source"
)

func TestProber_duration(t *testing.T) {
	runner := &encodertest.Runner{Script: func(encoder.Job) encodertest.Script {
		return encodertest.Script{
			Stderr: []string{
				"Input #0, mov,mp4,m4a,3gp,3g2,mj2, from '/media/a.mp4':",
				"  Duration: 00:02:05.40, start: 0.000000, bitrate: 1205 kb/s",
				"At least one output file must be specified",
			},
			Run: func(encoder.Job) error { return errors.New("exit status 1") },
		}
	}}
	p := encoder.NewProber(runner, logger.Discard())

	d, ok, err := p.Duration(context.Background(), source.Input{Locator: "/media/a.mp4"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 125.4, d, 1e-9)

	jobs := runner.Jobs()
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].Args, "/media/a.mp4")
	assert.False(t, jobs[0].PipeStdout)
}

func TestProber_unknown(t *testing.T) {
	runner := &encodertest.Runner{Script: func(encoder.Job) encodertest.Script {
		return encodertest.Script{Stderr: []string{"Duration: N/A, bitrate: N/A"}}
	}}
	p := encoder.NewProber(runner, logger.Discard())

	_, ok, err := p.Duration(context.Background(), source.Input{Locator: "/media/a.ts"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProber_startFailure(t *testing.T) {
	runner := &encodertest.Runner{StartErr: encoder.ErrStart}
	p := encoder.NewProber(runner, logger.Discard())

	_, _, err := p.Duration(context.Background(), source.Input{Locator: "/media/a.mp4"})
	assert.ErrorIs(t, err, encoder.ErrStart)
}
