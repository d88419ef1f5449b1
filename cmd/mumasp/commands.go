package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/w1xm/mumasp/arduino"
	"github.com/w1xm/mumasp/internal/version"
	"github.com/w1xm/mumasp/measurement"
	"github.com/w1xm/mumasp/telescope"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type HelpCommand struct{}

func (c *HelpCommand) Execute(args []string) error {
	return run(func(a *app) error {
		help, err := a.telescope.Help(ctx)
		if err != nil {
			return err
		}
		fmt.Println(help)
		return nil
	})
}

type ClockCommand struct {
	Set  string `long:"set" description:"set the clock to Y,M,D,H,M,S"`
	Sync bool   `long:"sync" description:"set the clock to the host's UTC time"`
}

func (c *ClockCommand) Execute(args []string) error {
	if c.Set != "" && c.Sync {
		return errors.New("--set and --sync are mutually exclusive")
	}
	var target *arduino.DeviceTime
	switch {
	case c.Set != "":
		dt, err := arduino.ParseDeviceTime(c.Set)
		if err != nil {
			return err
		}
		target = &dt
	case c.Sync:
		dt := arduino.DeviceTimeOf(time.Now().UTC())
		target = &dt
	}
	return run(func(a *app) error {
		if target != nil {
			if err := a.telescope.SetClock(ctx, *target); err != nil {
				return err
			}
		}
		dt, err := a.telescope.Clock(ctx)
		if err != nil {
			return err
		}
		fmt.Println(dt.Time().Format(time.RFC3339))
		return nil
	})
}

type CalibrateCommand struct{}

func (c *CalibrateCommand) Execute(args []string) error {
	return run(func(a *app) error {
		if err := a.telescope.Calibrate(ctx); err != nil {
			var cerr *arduino.CalibrationError
			if errors.As(err, &cerr) && cerr.EndSwitchMissing() {
				a.log.Error("End switch not found; check the end switch wiring", zap.Stringer("axis", cerr.Axis))
			}
			return err
		}
		fmt.Println(a.telescope)
		return nil
	})
}

type MoveCommand struct {
	Theta float64 `long:"theta" required:"true" description:"tilt angle in degrees"`
	Phi   float64 `long:"phi" required:"true" description:"rotation angle in degrees"`
}

func (c *MoveCommand) Execute(args []string) error {
	pos := telescope.Position{Theta: c.Theta, Phi: c.Phi}
	if err := pos.Validate(); err != nil {
		return err
	}
	return run(func(a *app) error {
		if err := a.telescope.Calibrate(ctx); err != nil {
			return err
		}
		if err := a.telescope.MoveTo(ctx, pos); err != nil {
			return err
		}
		fmt.Println(a.telescope)
		return nil
	})
}

type ResetCommand struct{}

func (c *ResetCommand) Execute(args []string) error {
	return run(func(a *app) error {
		if err := a.telescope.Calibrate(ctx); err != nil {
			return err
		}
		if err := a.telescope.Reset(ctx); err != nil {
			return err
		}
		fmt.Println(a.telescope)
		return nil
	})
}

// MeasurementFlags override the measurement section of the config file.
type MeasurementFlags struct {
	MaxDuration   time.Duration `long:"max-duration" description:"stop measuring after this long"`
	MaxTriggers   int           `long:"max-triggers" description:"stop measuring after this many triggers"`
	ReadInterval  time.Duration `long:"read-interval" description:"time between buffer polls"`
	ReadThreshold int           `long:"read-threshold" description:"drain the buffer once it holds this many triggers"`
}

type MeasureCommand struct {
	Measurement MeasurementFlags `group:"Measurement"`
	Out         string           `long:"out" description:"write the record to this file"`
}

func (c *MeasureCommand) Execute(args []string) error {
	return run(func(a *app) error {
		res, err := a.runner.Measure(ctx, a.telescope, measurementConfig(a.cfg, c.Measurement))
		if err != nil {
			return err
		}
		pos, _ := a.telescope.Position()
		rec := measurement.NewRecord(pos, res)
		if c.Out != "" {
			if err := measurement.WriteRecord(c.Out, rec); err != nil {
				return err
			}
		}
		fmt.Printf("%d triggers in %.1fs\n", rec.NTriggers, rec.TElapsedS)
		return nil
	})
}

type ScanFlags struct {
	Dir          string           `long:"dir" required:"true" description:"output directory"`
	NoSkip       bool             `long:"no-skip" description:"measure every position even if its file exists; the directory must be new"`
	StatusListen string           `long:"status-listen" description:"serve status on this address while scanning"`
	Measurement  MeasurementFlags `group:"Measurement"`
}

func (f ScanFlags) options(a *app) measurement.ScanOptions {
	o := measurement.NewScanOptions(f.Dir)
	o.SkipExisting = !f.NoSkip
	o.Measurement = measurementConfig(a.cfg, f.Measurement)
	return o
}

// runScan calibrates and runs scan, with the status server alongside if
// requested.
func runScan(f ScanFlags, scan func(ctx context.Context, a *app, o measurement.ScanOptions) error) error {
	return run(func(a *app) error {
		o := f.options(a)
		// Fail before calibrating, which moves the telescope.
		if err := o.Check(); err != nil {
			return err
		}
		if f.StatusListen == "" {
			if err := a.telescope.Calibrate(ctx); err != nil {
				return err
			}
			return scan(ctx, a, o)
		}
		a.server.SetReadOnly(true)
		g, gctx := errgroup.WithContext(ctx)
		serverCtx, stopServer := context.WithCancel(gctx)
		g.Go(func() error {
			return a.server.ListenAndServe(serverCtx, f.StatusListen)
		})
		g.Go(func() error {
			defer stopServer()
			if err := a.telescope.Calibrate(gctx); err != nil {
				return err
			}
			return scan(gctx, a, o)
		})
		return g.Wait()
	})
}

type ScanCommand struct {
	ScanFlags
	Positions     []string `long:"position" short:"p" description:"theta,phi; repeat for more positions"`
	PositionsFile string   `long:"positions-file" description:"JSON file with a list of [theta, phi] pairs"`
}

func (c *ScanCommand) positions() ([]telescope.Position, error) {
	var positions []telescope.Position
	for _, s := range c.Positions {
		pos, err := telescope.ParsePosition(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", measurement.ErrInvalidPositions, err)
		}
		positions = append(positions, pos)
	}
	if c.PositionsFile != "" {
		data, err := os.ReadFile(c.PositionsFile)
		if err != nil {
			return nil, err
		}
		var pairs [][]float64
		if err := json.Unmarshal(data, &pairs); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", measurement.ErrInvalidPositions, c.PositionsFile, err)
		}
		more, err := measurement.PositionsFromPairs(pairs)
		if err != nil {
			return nil, err
		}
		positions = append(positions, more...)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: no positions given", measurement.ErrInvalidPositions)
	}
	return positions, nil
}

func (c *ScanCommand) Execute(args []string) error {
	positions, err := c.positions()
	if err != nil {
		return err
	}
	return runScan(c.ScanFlags, func(ctx context.Context, a *app, o measurement.ScanOptions) error {
		return a.runner.Scan(ctx, a.telescope, positions, o)
	})
}

type RasterCommand struct {
	ScanFlags
	Thetas []float64 `long:"theta" required:"true" description:"tilt angle; repeat for more"`
	Phis   []float64 `long:"phi" required:"true" description:"rotation angle; repeat for more"`
}

func (c *RasterCommand) Execute(args []string) error {
	return runScan(c.ScanFlags, func(ctx context.Context, a *app, o measurement.ScanOptions) error {
		return a.runner.RasterScan(ctx, a.telescope, c.Thetas, c.Phis, o)
	})
}

type ServeCommand struct {
	Listen  string `long:"listen" default:":8502" description:"HTTP status server address"`
	Rotctld string `long:"rotctld" description:"rotctld listen address, e.g. :4533"`
}

func (c *ServeCommand) Execute(args []string) error {
	return run(func(a *app) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return a.server.ListenAndServe(gctx, c.Listen)
		})
		if c.Rotctld != "" {
			g.Go(func() error {
				return a.server.ListenRotctld(gctx, c.Rotctld)
			})
		}
		return g.Wait()
	})
}

type SimulateCommand struct {
	Listen string  `long:"listen" default:":1033" description:"TCP listen address"`
	Rate   float64 `long:"rate" default:"2" description:"trigger rate in Hz"`
}

func (c *SimulateCommand) Execute(args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	sim := arduino.NewSimulator(log)
	sim.SetRate(c.Rate)
	return sim.ListenAndServe(ctx, c.Listen)
}

type VersionCommand struct{}

func (c *VersionCommand) Execute(args []string) error {
	fmt.Printf("mumasp %s (%s)\n", version.Version, version.GitSHA)
	return nil
}
