package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/w1xm/mumasp/arduino"
	"github.com/w1xm/mumasp/internal/timeutil"
	"github.com/w1xm/mumasp/measurement"
	"github.com/w1xm/mumasp/telescope"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*Server, *arduino.Simulator) {
	t.Helper()
	sim := arduino.NewSimulator(zap.NewNop())
	s := NewServer(zap.NewNop(), nil)
	dev := arduino.New(arduino.NewChannel(sim, zap.NewNop()), zap.NewNop())
	s.t = telescope.New(dev, zap.NewNop(),
		telescope.WithClock(timeutil.NewMockClock(time.Unix(0, 0))),
		telescope.WithStatusCallback(s.statusCallback))
	return s, sim
}

func TestStatusHandler(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.t.Calibrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.progressCallback(measurement.Progress{Index: 1, Total: 4, State: measurement.StateMeasuring})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	home := telescope.Home
	want := Snapshot{
		Telescope: telescope.Status{Calibrated: true, Position: &home},
		Scan:      &measurement.Progress{Index: 1, Total: 4, State: measurement.StateMeasuring},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected snapshot: got(-)/want(+):\n%s", diff)
	}
}

// readUntil reads snapshots until one satisfies ok.
func readUntil(t *testing.T, conn *websocket.Conn, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var snap Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("reading snapshot: %v", err)
		}
		if ok(snap) {
			return snap
		}
	}
}

func TestStatusSocket(t *testing.T) {
	s, sim := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	readUntil(t, conn, func(s Snapshot) bool { return !s.Telescope.Calibrated })

	// Moving before calibration is reported, not fatal.
	if err := conn.WriteJSON(Command{Command: "move", Theta: 30, Phi: 60}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(s Snapshot) bool { return strings.Contains(s.Error, "must be calibrated") })

	for _, cmd := range []Command{{Command: "calibrate"}, {Command: "move", Theta: 30, Phi: 60}} {
		if err := conn.WriteJSON(cmd); err != nil {
			t.Fatal(err)
		}
	}
	snap := readUntil(t, conn, func(s Snapshot) bool {
		return s.Telescope.Position != nil && *s.Telescope.Position == telescope.Position{Theta: 30, Phi: 60}
	})
	if !snap.Telescope.Calibrated {
		t.Error("not calibrated after calibrate command")
	}
	if got, want := sim.StepPosition(arduino.AxisPhi), arduino.Steps(60); got != want {
		t.Errorf("phi steps = %d, want %d", got, want)
	}

	if err := conn.WriteJSON(Command{Command: "bogus"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(s Snapshot) bool { return strings.Contains(s.Error, `unknown command "bogus"`) })
}

func TestReadOnly(t *testing.T) {
	s, sim := newTestServer(t)
	s.SetReadOnly(true)
	if err := s.execute(context.Background(), Command{Command: "calibrate"}); err != errReadOnly {
		t.Errorf("execute = %v, want errReadOnly", err)
	}
	if got := sim.Commands(); len(got) != 0 {
		t.Errorf("read-only server sent %v", got)
	}
}
