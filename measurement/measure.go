// Package measurement runs trigger-counting measurements and position sweeps
// with the telescope.
package measurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/w1xm/mumasp/internal/timeutil"
	"go.uber.org/zap"
)

// ErrInvalidConfig is returned for measurement limits that cannot terminate
// or poll sensibly.
var ErrInvalidConfig = errors.New("invalid measurement config")

// Buffer is the part of the device a measurement needs.
type Buffer interface {
	ClearBuffer(ctx context.Context) error
	ReadCount(ctx context.Context) (int, error)
	ReadBuffer(ctx context.Context) ([]int64, error)
}

// Config bounds a single measurement. It stops after MaxDuration or once
// MaxTriggers have been recorded, whichever comes first.
//
// ReadInterval has to be short enough that the device buffer (1000 triggers)
// cannot fill up between two polls at the expected trigger rate. The buffer
// is only drained once it holds ReadThreshold triggers, to save round trips.
type Config struct {
	MaxDuration   time.Duration
	MaxTriggers   int
	ReadInterval  time.Duration
	ReadThreshold int
}

func DefaultConfig() Config {
	return Config{
		MaxDuration:   3600 * time.Second,
		MaxTriggers:   1000,
		ReadInterval:  10 * time.Second,
		ReadThreshold: 100,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxDuration <= 0:
		return fmt.Errorf("%w: max duration %v", ErrInvalidConfig, c.MaxDuration)
	case c.MaxTriggers <= 0:
		return fmt.Errorf("%w: max triggers %d", ErrInvalidConfig, c.MaxTriggers)
	case c.ReadInterval <= 0:
		return fmt.Errorf("%w: read interval %v", ErrInvalidConfig, c.ReadInterval)
	case c.ReadThreshold <= 0:
		return fmt.Errorf("%w: read threshold %d", ErrInvalidConfig, c.ReadThreshold)
	}
	return nil
}

// Result is one finished measurement. Triggers are device timestamps in the
// order the device reported them.
//
// All triggers are kept in memory until the measurement ends. That is fine
// for a few thousand triggers per position; much longer runs would need to
// stream them to disk instead.
type Result struct {
	Start    time.Time
	Elapsed  time.Duration
	Triggers []int64
}

// AcquisitionObserver is told about buffer polls and drains.
type AcquisitionObserver interface {
	ObserveBufferDepth(depth int)
	ObserveTriggers(n int)
}

// Runner runs measurements and scans. The zero value logs nowhere and uses
// the real clock.
type Runner struct {
	Log      *zap.Logger
	Clock    timeutil.Clock
	Observer AcquisitionObserver
	// Publisher, if set, receives every record a scan writes.
	Publisher Publisher
	// Progress, if set, is called as a scan advances.
	Progress func(Progress)
}

func (r *Runner) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *Runner) clock() timeutil.Clock {
	if r.Clock == nil {
		return timeutil.RealClock{}
	}
	return r.Clock
}

// Measure clears the device buffer and collects triggers until one of the
// limits in cfg is reached. A poll that gets no answer counts as an empty
// buffer; it never ends the measurement early.
func (r *Runner) Measure(ctx context.Context, buf Buffer, cfg Config) (*Result, error) {
	return r.measure(ctx, r.logger(), buf, cfg)
}

func (r *Runner) measure(ctx context.Context, log *zap.Logger, buf Buffer, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := r.clock()
	if err := buf.ClearBuffer(ctx); err != nil {
		return nil, fmt.Errorf("clearing buffer: %w", err)
	}

	start := clock.Now()
	var triggers []int64
	for clock.Since(start) < cfg.MaxDuration {
		if err := timeutil.SleepContext(ctx, clock, cfg.ReadInterval); err != nil {
			return nil, err
		}
		inBuffer, err := buf.ReadCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading trigger count: %w", err)
		}
		if r.Observer != nil {
			r.Observer.ObserveBufferDepth(inBuffer)
		}
		if inBuffer >= cfg.ReadThreshold {
			// Reading the buffer also clears it on the device.
			drained, err := r.drain(ctx, buf)
			if err != nil {
				return nil, err
			}
			triggers = append(triggers, drained...)
			inBuffer = 0
			log.Debug("Drained buffer", zap.Int("drained", len(drained)), zap.Int("total", len(triggers)))
		}
		if len(triggers)+inBuffer >= cfg.MaxTriggers {
			break
		}
	}
	elapsed := clock.Since(start)

	rest, err := r.drain(ctx, buf)
	if err != nil {
		return nil, err
	}
	triggers = append(triggers, rest...)
	log.Info("Measurement done",
		zap.Int("triggers", len(triggers)),
		zap.Duration("elapsed", elapsed))
	return &Result{Start: start, Elapsed: elapsed, Triggers: triggers}, nil
}

func (r *Runner) drain(ctx context.Context, buf Buffer) ([]int64, error) {
	drained, err := buf.ReadBuffer(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading buffer: %w", err)
	}
	if r.Observer != nil {
		r.Observer.ObserveTriggers(len(drained))
	}
	return drained, nil
}
