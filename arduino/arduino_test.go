package arduino

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

// fakeTransport answers from a table keyed by command and records what was
// sent.
type fakeTransport struct {
	responses map[string]string
	err       error
	sent      []string
}

func (f *fakeTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	cmd := strings.TrimSuffix(string(request), "\r\n")
	f.sent = append(f.sent, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.responses[cmd]), nil
}

func newTestDevice(responses map[string]string) (*Device, *fakeTransport) {
	ft := &fakeTransport{responses: responses}
	return New(NewChannel(ft, zap.NewNop()), zap.NewNop()), ft
}

type recordingObserver struct {
	outcomes []string
}

func (r *recordingObserver) ObserveCommand(command string, d time.Duration, outcome string) {
	r.outcomes = append(r.outcomes, command+":"+outcome)
}

func TestChannelSend(t *testing.T) {
	var request string
	tr := TransportFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		request = string(req)
		return []byte("  23\r\n"), nil
	})
	obs := &recordingObserver{}
	ch := NewChannel(tr, zap.NewNop(), WithObserver(obs))

	got, err := ch.Send(context.Background(), "n")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "23" {
		t.Errorf("Send = %q, want %q", got, "23")
	}
	if request != "n\r\n" {
		t.Errorf("request = %q, want %q", request, "n\r\n")
	}
	if diff := cmp.Diff([]string{"n:ok"}, obs.outcomes); diff != "" {
		t.Errorf("unexpected outcomes: got(-)/want(+):\n%s", diff)
	}
}

func TestChannelReplacesInvalidUTF8(t *testing.T) {
	for _, test := range []struct {
		raw, want string
	}{
		{"ok\xff\n", "ok\ufffd"},
		{"\xff\xfe", "\ufffd\ufffd"},
		{"a\xe2\x82b", "a\ufffdb"},
		{"\xe2\x82", "\ufffd"},
		{"\xf0\x9f\x98", "\ufffd"},
		{"\xed\xa0\x80", "\ufffd\ufffd\ufffd"},
		{"\xc0\xaf", "\ufffd\ufffd"},
		{"12\xe2\x82\xac", "12\u20ac"},
	} {
		tr := TransportFunc(func(ctx context.Context, req []byte) ([]byte, error) {
			return []byte(test.raw), nil
		})
		got, err := NewChannel(tr, zap.NewNop()).Send(context.Background(), "?")
		if err != nil {
			t.Fatal(err)
		}
		if got != test.want {
			t.Errorf("Send(%q) = %q, want %q", test.raw, got, test.want)
		}
	}
}

func TestChannelTimeoutIsSoft(t *testing.T) {
	tr := TransportFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return []byte("partial"), timeoutError{op: "read"}
	})
	obs := &recordingObserver{}
	got, err := NewChannel(tr, zap.NewNop(), WithObserver(obs)).Send(context.Background(), "h")
	if err != nil {
		t.Fatalf("Send returned %v, want soft failure", err)
	}
	if got != "" {
		t.Errorf("Send = %q, want empty response", got)
	}
	if diff := cmp.Diff([]string{"h:timeout"}, obs.outcomes); diff != "" {
		t.Errorf("unexpected outcomes: got(-)/want(+):\n%s", diff)
	}
}

func TestChannelTransportError(t *testing.T) {
	refused := errors.New("connection refused")
	tr := TransportFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, refused
	})
	_, err := NewChannel(tr, zap.NewNop()).Send(context.Background(), "n")
	if !errors.Is(err, refused) {
		t.Errorf("Send error = %v, want wrapped %v", err, refused)
	}
}

func TestParsing(t *testing.T) {
	d, _ := newTestDevice(map[string]string{
		"?": "HELP",
		"n": "23",
		"h": "3\n17\n\n18\r\n19\n",
		"r": "2026,01,24,19,49,00",
	})
	ctx := context.Background()

	help, err := d.Help(ctx)
	if err != nil || help != "HELP" {
		t.Errorf("Help = %q, %v", help, err)
	}
	n, err := d.ReadCount(ctx)
	if err != nil || n != 23 {
		t.Errorf("ReadCount = %d, %v; want 23", n, err)
	}
	triggers, err := d.ReadBuffer(ctx)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if diff := cmp.Diff([]int64{17, 18, 19}, triggers); diff != "" {
		t.Errorf("unexpected triggers: got(-)/want(+):\n%s", diff)
	}
	dt, err := d.Clock(ctx)
	if err != nil {
		t.Fatalf("Clock: %v", err)
	}
	want := DeviceTime{Year: 2026, Month: 1, Day: 24, Hour: 19, Minute: 49, Second: 0}
	if diff := cmp.Diff(want, dt); diff != "" {
		t.Errorf("unexpected clock: got(-)/want(+):\n%s", diff)
	}
}

func TestEmptyResponsesAreNoData(t *testing.T) {
	d, _ := newTestDevice(map[string]string{})
	ctx := context.Background()
	if n, err := d.ReadCount(ctx); n != 0 || err != nil {
		t.Errorf("ReadCount = %d, %v; want 0, nil", n, err)
	}
	if triggers, err := d.ReadBuffer(ctx); len(triggers) != 0 || err != nil {
		t.Errorf("ReadBuffer = %v, %v; want empty, nil", triggers, err)
	}
}

func TestParseErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		resp map[string]string
		call func(*Device) error
	}{
		{"count", map[string]string{"n": "many"}, func(d *Device) error {
			_, err := d.ReadCount(context.Background())
			return err
		}},
		{"buffer", map[string]string{"h": "2\n5\nfive"}, func(d *Device) error {
			_, err := d.ReadBuffer(context.Background())
			return err
		}},
		{"clock", map[string]string{"r": "2026,01,24"}, func(d *Device) error {
			_, err := d.Clock(context.Background())
			return err
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			d, _ := newTestDevice(test.resp)
			var perr *ParseError
			if err := test.call(d); !errors.As(err, &perr) {
				t.Errorf("got %v, want *ParseError", err)
			}
		})
	}
}

func TestCalibrateAxis(t *testing.T) {
	for _, test := range []struct {
		response  string
		wantErr   bool
		endSwitch bool
	}{
		{"0", false, false},
		{"-3", true, true},
		{"7", true, false},
		{"", true, false},
	} {
		t.Run(test.response, func(t *testing.T) {
			d, ft := newTestDevice(map[string]string{"c1": test.response})
			err := d.CalibrateAxis(context.Background(), AxisTheta)
			if diff := cmp.Diff([]string{"c1"}, ft.sent); diff != "" {
				t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
			}
			if !test.wantErr {
				if err != nil {
					t.Errorf("CalibrateAxis: %v", err)
				}
				return
			}
			var cerr *CalibrationError
			if !errors.As(err, &cerr) {
				t.Fatalf("got %v, want *CalibrationError", err)
			}
			if cerr.EndSwitchMissing() != test.endSwitch {
				t.Errorf("EndSwitchMissing = %v, want %v", cerr.EndSwitchMissing(), test.endSwitch)
			}
		})
	}
}

func TestMoveAxis(t *testing.T) {
	d, ft := newTestDevice(map[string]string{"m0,1600": "0", "m1,3200": "-1"})
	ctx := context.Background()
	if err := d.MoveAxis(ctx, AxisPhi, 1600); err != nil {
		t.Errorf("MoveAxis: %v", err)
	}
	var rerr *ResponseError
	if err := d.MoveAxis(ctx, AxisTheta, 3200); !errors.As(err, &rerr) || rerr.Response != "-1" {
		t.Errorf("MoveAxis = %v, want *ResponseError with response -1", err)
	}
	if diff := cmp.Diff([]string{"m0,1600", "m1,3200"}, ft.sent); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

func TestSetClock(t *testing.T) {
	d, ft := newTestDevice(map[string]string{"s2026,1,24,20,19,0": "0"})
	ctx := context.Background()
	if err := d.SetClock(ctx, DeviceTime{2026, 1, 24, 20, 19, 0}); err != nil {
		t.Errorf("SetClock: %v", err)
	}
	if err := d.SetClock(ctx, DeviceTime{2026, 13, 24, 20, 19, 0}); !errors.Is(err, ErrInvalidClock) {
		t.Errorf("SetClock(month 13) = %v, want ErrInvalidClock", err)
	}
	// A failure reply is logged, not returned.
	if err := d.SetClock(ctx, DeviceTime{2026, 1, 24, 20, 19, 1}); err != nil {
		t.Errorf("SetClock with failure reply = %v, want nil", err)
	}
	want := []string{"s2026,1,24,20,19,0", "s2026,1,24,20,19,1"}
	if diff := cmp.Diff(want, ft.sent); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}

func TestSteps(t *testing.T) {
	for _, test := range []struct {
		angle float64
		want  int
	}{
		{0, 0},
		{90, 3200},
		{180, 6400},
		{359.99, 12800},
		{10, 356},
		{45, 1600},
	} {
		if got := Steps(test.angle); got != test.want {
			t.Errorf("Steps(%v) = %d, want %d", test.angle, got, test.want)
		}
	}
}

func TestDeviceTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 17, 8, 30, 5, 0, time.UTC)
	dt := DeviceTimeOf(now)
	parsed, err := ParseDeviceTime(dt.String())
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Time().Equal(now) {
		t.Errorf("round trip = %v, want %v", parsed.Time(), now)
	}
}

func TestTCPTransportTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Never answer; hold the connection open.
			defer conn.Close()
		}
	}()

	tr := &TCPTransport{Addr: ln.Addr().String(), Timeout: 50 * time.Millisecond}
	got, err := NewChannel(tr, zap.NewNop()).Send(context.Background(), "n")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != "" {
		t.Errorf("Send = %q, want empty response", got)
	}
}
