package timeutil

import (
	"context"
	"testing"
	"time"
)

func TestMockClockSleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 24, 19, 49, 0, 0, time.UTC)
	c := NewMockClock(start)

	c.Sleep(10 * time.Second)
	c.Sleep(5 * time.Second)

	if got, want := c.Since(start), 15*time.Second; got != want {
		t.Errorf("Since = %v, want %v", got, want)
	}
	if got := c.Sleeps(); len(got) != 2 || got[0] != 10*time.Second || got[1] != 5*time.Second {
		t.Errorf("Sleeps = %v", got)
	}
}

func TestSleepContext(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	if err := SleepContext(context.Background(), c, time.Minute); err != nil {
		t.Fatalf("SleepContext: %v", err)
	}
	if got := c.Now(); !got.Equal(time.Unix(60, 0)) {
		t.Errorf("Now = %v, want 60s after epoch", got)
	}
}

func TestSleepContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, RealClock{}, time.Hour); err != context.Canceled {
		t.Errorf("SleepContext = %v, want context.Canceled", err)
	}
}

func TestSleepContextCanceledMock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewMockClock(time.Unix(0, 0))
	if err := SleepContext(ctx, c, time.Minute); err != context.Canceled {
		t.Errorf("SleepContext = %v, want context.Canceled", err)
	}
	if got := c.Sleeps(); len(got) != 0 {
		t.Errorf("canceled sleep advanced the clock: %v", got)
	}
}
