// Package metrics exports device and acquisition metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/w1xm/mumasp/measurement"
	"github.com/w1xm/mumasp/telescope"
)

// Collector implements arduino.CommandObserver and
// measurement.AcquisitionObserver, and can be fed telescope status and scan
// progress.
type Collector struct {
	gatherer prometheus.Gatherer

	Commands         *prometheus.CounterVec
	CommandDurations *prometheus.HistogramVec
	BufferDepth      prometheus.Gauge
	Triggers         prometheus.Counter
	Calibrated       prometheus.Gauge
	Position         *prometheus.GaugeVec
	ScanPositions    *prometheus.CounterVec
}

// NewCollector registers the metrics with reg, or the default registry when
// reg is nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{
		gatherer: gatherer,
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mumasp_commands_total",
			Help: "Commands sent to the device, by command letter and outcome (ok, timeout, error).",
		}, []string{"command", "outcome"}),
		CommandDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mumasp_command_duration_seconds",
			Help:    "Device round trip time in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"command"}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mumasp_buffer_depth",
			Help: "Triggers waiting in the device buffer at the last poll.",
		}),
		Triggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mumasp_triggers_total",
			Help: "Triggers read from the device buffer.",
		}),
		Calibrated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mumasp_calibrated",
			Help: "1 if the telescope is calibrated.",
		}),
		Position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mumasp_position_degrees",
			Help: "Tracked telescope position by axis.",
		}, []string{"axis"}),
		ScanPositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mumasp_scan_positions_total",
			Help: "Scan positions by outcome (skipped, done).",
		}, []string{"state"}),
	}
	for _, col := range []prometheus.Collector{
		c.Commands, c.CommandDurations, c.BufferDepth, c.Triggers,
		c.Calibrated, c.Position, c.ScanPositions,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ObserveCommand(command string, d time.Duration, outcome string) {
	c.Commands.WithLabelValues(command, outcome).Inc()
	c.CommandDurations.WithLabelValues(command).Observe(d.Seconds())
}

func (c *Collector) ObserveBufferDepth(depth int) {
	c.BufferDepth.Set(float64(depth))
}

func (c *Collector) ObserveTriggers(n int) {
	c.Triggers.Add(float64(n))
}

// ObserveStatus has the signature of telescope.StatusCallback.
func (c *Collector) ObserveStatus(s telescope.Status) {
	if s.Calibrated {
		c.Calibrated.Set(1)
	} else {
		c.Calibrated.Set(0)
	}
	if s.Position != nil {
		c.Position.WithLabelValues("theta").Set(s.Position.Theta)
		c.Position.WithLabelValues("phi").Set(s.Position.Phi)
	}
}

func (c *Collector) ObserveProgress(p measurement.Progress) {
	if p.State == measurement.StateMeasuring {
		return
	}
	c.ScanPositions.WithLabelValues(string(p.State)).Inc()
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
