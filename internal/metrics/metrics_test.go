package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/w1xm/mumasp/arduino"
	"github.com/w1xm/mumasp/measurement"
	"github.com/w1xm/mumasp/telescope"
	"go.uber.org/zap"
)

func TestCommandMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	sim := arduino.NewSimulator(zap.NewNop())
	dev := arduino.New(arduino.NewChannel(sim, zap.NewNop(), arduino.WithObserver(c)), zap.NewNop())
	ctx := context.Background()

	sim.Inject(5)
	if _, err := dev.ReadCount(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.ReadCount(ctx); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(c.Commands.WithLabelValues("n", "ok")); got != 2 {
		t.Errorf("mumasp_commands_total{n,ok} = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(c.CommandDurations); got != 1 {
		t.Errorf("got %d duration series, want 1", got)
	}
}

func TestAcquisitionMetrics(t *testing.T) {
	c, err := NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	var obs measurement.AcquisitionObserver = c
	obs.ObserveBufferDepth(120)
	obs.ObserveTriggers(120)
	obs.ObserveTriggers(7)
	obs.ObserveBufferDepth(3)

	if got := testutil.ToFloat64(c.BufferDepth); got != 3 {
		t.Errorf("mumasp_buffer_depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.Triggers); got != 127 {
		t.Errorf("mumasp_triggers_total = %v, want 127", got)
	}
}

func TestStatusAndProgress(t *testing.T) {
	c, err := NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	var cb telescope.StatusCallback = c.ObserveStatus
	cb(telescope.Status{})
	if got := testutil.CollectAndCount(c.Position); got != 0 {
		t.Errorf("position exported before calibration: %d series", got)
	}
	pos := telescope.Position{Theta: 45, Phi: 120}
	cb(telescope.Status{Calibrated: true, Position: &pos})
	if got := testutil.ToFloat64(c.Calibrated); got != 1 {
		t.Errorf("mumasp_calibrated = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Position.WithLabelValues("phi")); got != 120 {
		t.Errorf("phi = %v, want 120", got)
	}

	for _, s := range []measurement.State{measurement.StateMeasuring, measurement.StateDone, measurement.StateSkipped, measurement.StateDone} {
		c.ObserveProgress(measurement.Progress{State: s})
	}
	if got := testutil.ToFloat64(c.ScanPositions.WithLabelValues("done")); got != 2 {
		t.Errorf("done positions = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(c.ScanPositions); got != 2 {
		t.Errorf("got %d scan series, want 2", got)
	}
}

func TestHandler(t *testing.T) {
	c, err := NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	c.ObserveCommand("m", 20*time.Millisecond, "timeout")

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, `mumasp_commands_total{command="m",outcome="timeout"} 1`) {
		t.Errorf("metrics output missing command counter:\n%s", body)
	}
}

func TestDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewCollector(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCollector(reg); err == nil {
		t.Error("second NewCollector on the same registry succeeded")
	}
}
