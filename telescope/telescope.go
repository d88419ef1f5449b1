// Package telescope tracks calibration and pointing of the two-axis muon
// telescope on top of the arduino command protocol.
package telescope

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/w1xm/mumasp/arduino"
	"github.com/w1xm/mumasp/internal/timeutil"
	"go.uber.org/zap"
)

var (
	// ErrNotCalibrated is returned by moves before a successful Calibrate.
	ErrNotCalibrated = errors.New("telescope must be calibrated before moving it")
	// ErrInvalidPosition is returned for negative or non-finite angles.
	ErrInvalidPosition = errors.New("invalid position")
)

var (
	// Home is where calibration leaves the telescope.
	Home = Position{Theta: 90, Phi: 0}
	// ServicePosition is where Reset parks the telescope, from which a new
	// calibration can be attempted.
	ServicePosition = Position{Theta: 60, Phi: 40}
)

// positionTolerance is how close two angles must be to count as equal.
const positionTolerance = 1e-10

// settleTime is the pause after calibrating each axis.
const settleTime = 1 * time.Second

// MovePolicy decides what a move does when the device reports failure.
type MovePolicy int

const (
	// AdvanceOnFailure logs the failure and still records the target as the
	// current position, so a sweep keeps going. The tracked position can then
	// differ from where the telescope physically points.
	AdvanceOnFailure MovePolicy = iota
	// FailFast returns the failure and keeps the last confirmed position for
	// the failed axis.
	FailFast
)

func (p MovePolicy) String() string {
	switch p {
	case AdvanceOnFailure:
		return "advance-on-failure"
	case FailFast:
		return "fail-fast"
	}
	return fmt.Sprintf("MovePolicy(%d)", int(p))
}

// Status is a snapshot of the tracked telescope state. Position is nil until
// the first successful calibration.
type Status struct {
	Calibrated bool      `json:"calibrated"`
	Position   *Position `json:"position"`
}

type StatusCallback func(status Status)

// Telescope is the calibrated/uncalibrated state machine. The embedded
// Device gives direct access to the buffer and clock commands.
type Telescope struct {
	*arduino.Device

	log            *zap.Logger
	clock          timeutil.Clock
	policy         MovePolicy
	statusCallback StatusCallback

	mu         sync.Mutex
	calibrated bool
	known      bool
	pos        Position
}

type Option func(*Telescope)

func WithMovePolicy(p MovePolicy) Option {
	return func(t *Telescope) { t.policy = p }
}

// WithClock replaces the clock used for the settle pause.
func WithClock(c timeutil.Clock) Option {
	return func(t *Telescope) { t.clock = c }
}

// WithStatusCallback is called after every state change.
func WithStatusCallback(cb StatusCallback) Option {
	return func(t *Telescope) { t.statusCallback = cb }
}

func New(device *arduino.Device, log *zap.Logger, opts ...Option) *Telescope {
	t := &Telescope{
		Device: device,
		log:    log,
		clock:  timeutil.RealClock{},
		policy: AdvanceOnFailure,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Telescope) String() string {
	s := t.Status()
	pos := "unknown"
	if s.Position != nil {
		pos = s.Position.String()
	}
	return fmt.Sprintf("Telescope(device=%v, calibrated=%v, position=%s)", t.Device, s.Calibrated, pos)
}

// Status returns a snapshot of the tracked state.
func (t *Telescope) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Telescope) statusLocked() Status {
	s := Status{Calibrated: t.calibrated}
	if t.known {
		pos := t.pos
		s.Position = &pos
	}
	return s
}

func (t *Telescope) IsCalibrated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calibrated
}

// Position returns the position the telescope is believed to face. ok is
// false before the first calibration.
func (t *Telescope) Position() (pos Position, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos, t.known
}

func (t *Telescope) update(f func()) {
	t.mu.Lock()
	f()
	status := t.statusLocked()
	t.mu.Unlock()
	if t.statusCallback != nil {
		t.statusCallback(status)
	}
}

// Calibrate homes phi then theta. It is a no-op if already calibrated. On
// failure the telescope stays uncalibrated.
func (t *Telescope) Calibrate(ctx context.Context) error {
	if t.IsCalibrated() {
		t.log.Warn("Telescope has already been calibrated before")
		return nil
	}
	for _, axis := range []arduino.Axis{arduino.AxisPhi, arduino.AxisTheta} {
		if err := t.Device.CalibrateAxis(ctx, axis); err != nil {
			return fmt.Errorf("calibrating telescope: %w", err)
		}
		if err := timeutil.SleepContext(ctx, t.clock, settleTime); err != nil {
			return err
		}
	}
	t.update(func() {
		t.calibrated = true
		t.known = true
		t.pos = Home
	})
	t.log.Info("Telescope calibrated", zap.Stringer("position", Home))
	return nil
}

// MoveTo points the telescope at target. Angles must be non-negative; theta
// is taken mod 180 and phi mod 360. Axes already at their target are not
// moved, so repeating a move sends nothing.
func (t *Telescope) MoveTo(ctx context.Context, target Position) error {
	t.mu.Lock()
	calibrated, current := t.calibrated, t.pos
	t.mu.Unlock()
	if !calibrated {
		t.log.Error(ErrNotCalibrated.Error())
		return ErrNotCalibrated
	}
	if err := target.Validate(); err != nil {
		t.log.Error("Refusing to move", zap.Error(err))
		return err
	}
	target = target.Normalize()

	next := current
	for _, move := range []struct {
		axis       arduino.Axis
		want, have float64
		set        *float64
	}{
		{arduino.AxisPhi, target.Phi, current.Phi, &next.Phi},
		{arduino.AxisTheta, target.Theta, current.Theta, &next.Theta},
	} {
		log := t.log.With(zap.Stringer("axis", move.axis), zap.Float64("angle", move.want))
		if math.Abs(move.want-move.have) < positionTolerance {
			log.Info("Already at position")
			continue
		}
		log.Info("Moving")
		err := t.Device.MoveAxis(ctx, move.axis, arduino.Steps(move.want))
		var rerr *arduino.ResponseError
		switch {
		case err == nil:
		case errors.As(err, &rerr) && t.policy == AdvanceOnFailure:
			log.Error("Moving failed", zap.String("response", rerr.Response))
		default:
			if rerr != nil {
				log.Error("Moving failed", zap.String("response", rerr.Response))
			}
			t.update(func() { t.pos = next })
			return fmt.Errorf("moving %v axis to %.2f: %w", move.axis, move.want, err)
		}
		*move.set = move.want
	}
	t.update(func() { t.pos = next })
	return nil
}

// Reset parks the telescope at ServicePosition and marks it uncalibrated, so
// it has to be calibrated again before the next move.
func (t *Telescope) Reset(ctx context.Context) error {
	if err := t.MoveTo(ctx, ServicePosition); err != nil {
		return err
	}
	t.update(func() { t.calibrated = false })
	t.log.Info("Telescope reset; calibrate before moving again", zap.Stringer("position", ServicePosition))
	return nil
}
