package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/mumasp/arduino"
	"go.uber.org/zap"
)

func TestConsole(t *testing.T) {
	ctx = context.Background()
	sim := arduino.NewSimulator(zap.NewNop())
	sim.Inject(2)
	ch := arduino.NewChannel(sim, zap.NewNop())

	var out bytes.Buffer
	if err := console(ch, strings.NewReader("n\n\nz\nx\nn\n"), &out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("2\n-1\n0\n0\n", out.String()); diff != "" {
		t.Errorf("unexpected output: got(-)/want(+):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"n", "z", "x", "n"}, sim.Commands()); diff != "" {
		t.Errorf("unexpected commands: got(-)/want(+):\n%s", diff)
	}
}
