// Command mumasp drives the muon telescope: calibration, pointing,
// measurements and scans, plus a status server and a device simulator.
package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/w1xm/mumasp/arduino"
	"github.com/w1xm/mumasp/internal/config"
	"github.com/w1xm/mumasp/internal/influx"
	"github.com/w1xm/mumasp/internal/logging"
	"github.com/w1xm/mumasp/internal/metrics"
	"github.com/w1xm/mumasp/internal/version"
	"github.com/w1xm/mumasp/measurement"
	"github.com/w1xm/mumasp/telescope"
	"go.uber.org/zap"
)

type GlobalOptions struct {
	Config   string        `long:"config" description:"JSON config file"`
	Addr     string        `long:"addr" description:"telescope host:port"`
	Serial   string        `long:"serial" description:"serial port, used instead of TCP"`
	Baud     int           `long:"baud" description:"serial baud rate"`
	Timeout  time.Duration `long:"timeout" description:"device response timeout"`
	LogLevel string        `long:"log-level" description:"debug, info, warn or error"`
	FailFast bool          `long:"fail-fast" description:"abort when the device rejects a move"`
	Sim      bool          `long:"sim" description:"talk to a built-in simulator instead of the telescope"`
	SimRate  float64       `long:"sim-rate" default:"2" description:"simulator trigger rate in Hz"`
}

type Options struct {
	Global GlobalOptions `group:"Global Options"`

	Help      HelpCommand      `command:"help" description:"Print the device's command list"`
	Clock     ClockCommand     `command:"clock" description:"Show or set the device clock"`
	Calibrate CalibrateCommand `command:"calibrate" description:"Home both axes"`
	Move      MoveCommand      `command:"move" description:"Calibrate, then point the telescope"`
	Reset     ResetCommand     `command:"reset" description:"Park at the service position"`
	Measure   MeasureCommand   `command:"measure" description:"Count triggers at the current position"`
	Scan      ScanCommand      `command:"scan" description:"Measure at a list of positions"`
	Raster    RasterCommand    `command:"raster" description:"Measure at every theta/phi combination"`
	Serve     ServeCommand     `command:"serve" description:"Run the status server and rotctld front-end"`
	Simulate  SimulateCommand  `command:"simulate" description:"Run a device simulator on TCP"`
	Console   ConsoleCommand   `command:"console" description:"Send raw commands typed on stdin"`
	Version   VersionCommand   `command:"version" description:"Print the version"`
}

var (
	opts   Options
	parser = flags.NewParser(&opts, flags.Default)
	// ctx is canceled on SIGINT/SIGTERM.
	ctx context.Context
)

func main() {
	parser.LongDescription = "mumasp controls the MuMaSP muon telescope"

	var stop context.CancelFunc
	ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	level := opts.Global.LogLevel
	if level == "" {
		level = os.Getenv(logging.LevelEnv)
	}
	return logging.New(logging.Config{Level: level})
}

// app is everything a command needs to talk to the telescope.
type app struct {
	log       *zap.Logger
	cfg       *config.Config
	channel   *arduino.Channel
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	server    *Server
	telescope *telescope.Telescope
	runner    *measurement.Runner
	publisher *influx.Publisher
	stopSim   context.CancelFunc
}

func loadConfig(g GlobalOptions) (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.Addr != "" {
		cfg.Device.Addr = g.Addr
	}
	if g.Serial != "" {
		cfg.Device.Serial = g.Serial
	}
	if g.Baud != 0 {
		cfg.Device.Baud = g.Baud
	}
	if g.Timeout != 0 {
		cfg.Device.Timeout.Duration = g.Timeout
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	return cfg, cfg.Validate()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(opts.Global)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		return nil, err
	}
	a := &app{log: log, cfg: cfg, registry: prometheus.NewRegistry()}
	if a.metrics, err = metrics.NewCollector(a.registry); err != nil {
		return nil, err
	}

	var transport arduino.Transport
	switch {
	case opts.Global.Sim:
		addr, stop, err := startSimulator(ctx, log, opts.Global.SimRate)
		if err != nil {
			return nil, err
		}
		a.stopSim = stop
		transport = &arduino.TCPTransport{Addr: addr, Timeout: cfg.Device.Timeout.Duration}
	case cfg.Device.Serial != "":
		transport = &arduino.SerialTransport{Name: cfg.Device.Serial, Baud: cfg.Device.Baud, Timeout: cfg.Device.Timeout.Duration}
	default:
		transport = &arduino.TCPTransport{Addr: cfg.Device.Addr, Timeout: cfg.Device.Timeout.Duration}
	}
	a.channel = arduino.NewChannel(transport, log, arduino.WithObserver(a.metrics))
	device := arduino.New(a.channel, log)

	a.server = NewServer(log, a.metrics.Handler())
	policy := telescope.AdvanceOnFailure
	if opts.Global.FailFast {
		policy = telescope.FailFast
	}
	a.telescope = telescope.New(device, log,
		telescope.WithMovePolicy(policy),
		telescope.WithStatusCallback(func(s telescope.Status) {
			a.metrics.ObserveStatus(s)
			a.server.statusCallback(s)
		}))
	a.server.t = a.telescope

	a.runner = &measurement.Runner{
		Log:      log,
		Observer: a.metrics,
		Progress: func(p measurement.Progress) {
			a.metrics.ObserveProgress(p)
			a.server.progressCallback(p)
		},
	}
	if cfg.Influx.Server != "" {
		a.publisher = influx.New(cfg.Influx, log)
		a.runner.Publisher = a.publisher
	}
	log.Debug("Started", zap.String("version", version.Version), zap.Stringer("telescope", a.telescope))
	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.stopSim != nil {
		a.stopSim()
	}
	a.log.Sync()
}

// run builds the app, calls f and tears the app down again.
func run(f func(a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := f(a); err != nil {
		if errors.Is(err, context.Canceled) {
			a.log.Warn("Interrupted")
		}
		return err
	}
	return nil
}

func startSimulator(ctx context.Context, log *zap.Logger, rate float64) (string, context.CancelFunc, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	sim := arduino.NewSimulator(log.Named("sim"))
	sim.SetRate(rate)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sim.Serve(ctx, ln); err != nil {
			log.Error("Simulator stopped", zap.Error(err))
		}
	}()
	return ln.Addr().String(), func() { cancel(); <-done }, nil
}

// measurementConfig fills unset flags from the config file.
func measurementConfig(cfg *config.Config, f MeasurementFlags) measurement.Config {
	m := measurement.Config{
		MaxDuration:   cfg.Measurement.MaxDuration.Duration,
		MaxTriggers:   cfg.Measurement.MaxTriggers,
		ReadInterval:  cfg.Measurement.ReadInterval.Duration,
		ReadThreshold: cfg.Measurement.ReadThreshold,
	}
	if f.MaxDuration != 0 {
		m.MaxDuration = f.MaxDuration
	}
	if f.MaxTriggers != 0 {
		m.MaxTriggers = f.MaxTriggers
	}
	if f.ReadInterval != 0 {
		m.ReadInterval = f.ReadInterval
	}
	if f.ReadThreshold != 0 {
		m.ReadThreshold = f.ReadThreshold
	}
	return m
}
