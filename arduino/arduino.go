// Package arduino implements the text command protocol of the telescope's
// microcontroller.
//
// Commands are single lines terminated by CRLF; the device answers and closes
// the session:
//
//	?               help text
//	x               clear trigger buffer           -> 0
//	n               triggers in buffer             -> count
//	h               read and clear trigger buffer  -> count, then one timestamp per line
//	c<a>            calibrate axis a               -> 0 | -3 (end switch not found)
//	m<a>,<steps>    move axis a to step position   -> 0
//	r               read clock                     -> Y,M,D,H,Min,S
//	s<Y,M,D,H,Min,S> set clock                     -> 0
package arduino

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Axis selects one of the two stepper motors.
type Axis int

const (
	AxisPhi   Axis = 0
	AxisTheta Axis = 1
)

func (a Axis) String() string {
	switch a {
	case AxisPhi:
		return "phi"
	case AxisTheta:
		return "theta"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// StepsPerRev is the number of microsteps per revolution on both axes. It has
// to match the firmware.
const StepsPerRev = 12800

// Steps converts an angle in degrees to an absolute step position. Halves
// round to even.
func Steps(angle float64) int {
	return int(math.RoundToEven(StepsPerRev / 360.0 * angle))
}

const (
	replyOK               = "0"
	replyEndSwitchMissing = "-3"
)

// Device exposes one method per microcontroller command.
type Device struct {
	ch  *Channel
	log *zap.Logger
}

func New(ch *Channel, log *zap.Logger) *Device {
	return &Device{ch: ch, log: log}
}

func (d *Device) String() string { return d.ch.String() }

// Help returns the device's help text.
func (d *Device) Help(ctx context.Context) (string, error) {
	return d.ch.Send(ctx, "?")
}

// ClearBuffer empties the trigger buffer. A non-zero reply is only logged.
func (d *Device) ClearBuffer(ctx context.Context) error {
	response, err := d.ch.Send(ctx, "x")
	if err != nil {
		return err
	}
	if response != replyOK {
		d.log.Warn("Clearing buffer failed", zap.String("response", response))
		return nil
	}
	d.log.Info("Buffer cleared", zap.String("response", response))
	return nil
}

// ReadCount returns the number of triggers waiting in the device buffer.
// No response counts as zero.
func (d *Device) ReadCount(ctx context.Context) (int, error) {
	response, err := d.ch.Send(ctx, "n")
	if err != nil || response == "" {
		return 0, err
	}
	n, err := strconv.Atoi(response)
	if err != nil {
		return 0, &ParseError{Command: "n", Response: response, Err: err}
	}
	return n, nil
}

// ReadBuffer returns the buffered trigger timestamps in device order. The
// device clears its buffer as part of the read.
func (d *Device) ReadBuffer(ctx context.Context) ([]int64, error) {
	response, err := d.ch.Send(ctx, "h")
	if err != nil || response == "" {
		return nil, err
	}
	return parseBuffer(response)
}

func parseBuffer(response string) ([]int64, error) {
	lines := strings.Split(response, "\n")
	// The first line repeats the trigger count.
	triggers := make([]int64, 0, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, &ParseError{Command: "h", Response: line, Err: err}
		}
		triggers = append(triggers, v)
	}
	return triggers, nil
}

// CalibrateAxis homes one axis against its end switch. Any reply other than
// success, including no reply, is a *CalibrationError.
func (d *Device) CalibrateAxis(ctx context.Context, axis Axis) error {
	response, err := d.ch.Send(ctx, fmt.Sprintf("c%d", axis))
	if err != nil {
		return err
	}
	if response != replyOK {
		cerr := &CalibrationError{Axis: axis, Response: response}
		d.log.Error("Calibration failed", zap.Stringer("axis", axis), zap.Error(cerr))
		return cerr
	}
	d.log.Info("Calibration successful", zap.Stringer("axis", axis), zap.String("response", response))
	return nil
}

// MoveAxis drives one axis to an absolute step position. A non-success
// reply is returned as a *ResponseError; what to make of it is up to the
// caller.
func (d *Device) MoveAxis(ctx context.Context, axis Axis, steps int) error {
	cmd := fmt.Sprintf("m%d,%d", axis, steps)
	response, err := d.ch.Send(ctx, cmd)
	if err != nil {
		return err
	}
	if response != replyOK {
		return &ResponseError{Command: cmd, Response: response}
	}
	return nil
}

// DeviceTime is the reading of the microcontroller's real time clock.
type DeviceTime struct {
	Year, Month, Day     int
	Hour, Minute, Second int
}

// DeviceTimeOf converts t to a DeviceTime in UTC.
func DeviceTimeOf(t time.Time) DeviceTime {
	t = t.UTC()
	return DeviceTime{
		Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
		Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
	}
}

// Time interprets the device clock as UTC.
func (dt DeviceTime) Time() time.Time {
	return time.Date(dt.Year, time.Month(dt.Month), dt.Day, dt.Hour, dt.Minute, dt.Second, 0, time.UTC)
}

func (dt DeviceTime) fields() []int {
	return []int{dt.Year, dt.Month, dt.Day, dt.Hour, dt.Minute, dt.Second}
}

func (dt DeviceTime) String() string {
	parts := make([]string, 0, 6)
	for _, f := range dt.fields() {
		parts = append(parts, strconv.Itoa(f))
	}
	return strings.Join(parts, ",")
}

// Validate checks the ranges the device's RTC accepts.
func (dt DeviceTime) Validate() error {
	for _, check := range []struct {
		name     string
		v        int
		min, max int
	}{
		{"year", dt.Year, 2000, 2099},
		{"month", dt.Month, 1, 12},
		{"day", dt.Day, 1, 31},
		{"hour", dt.Hour, 0, 23},
		{"minute", dt.Minute, 0, 59},
		{"second", dt.Second, 0, 59},
	} {
		if check.v < check.min || check.v > check.max {
			return fmt.Errorf("%w: %s %d not in [%d, %d]", ErrInvalidClock, check.name, check.v, check.min, check.max)
		}
	}
	return nil
}

// ParseDeviceTime parses "Y,M,D,H,Min,S".
func ParseDeviceTime(s string) (DeviceTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 6 {
		return DeviceTime{}, fmt.Errorf("%w: want 6 fields, got %d", ErrInvalidClock, len(parts))
	}
	var dt DeviceTime
	for i, field := range []*int{&dt.Year, &dt.Month, &dt.Day, &dt.Hour, &dt.Minute, &dt.Second} {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return DeviceTime{}, fmt.Errorf("%w: %v", ErrInvalidClock, err)
		}
		*field = v
	}
	return dt, nil
}

// Clock reads the device's real time clock.
func (d *Device) Clock(ctx context.Context) (DeviceTime, error) {
	response, err := d.ch.Send(ctx, "r")
	if err != nil {
		return DeviceTime{}, err
	}
	dt, err := ParseDeviceTime(response)
	if err != nil {
		return DeviceTime{}, &ParseError{Command: "r", Response: response, Err: err}
	}
	return dt, nil
}

// SetClock sets the device's real time clock. Invalid input is rejected
// before anything is sent; a failure reply from the device is only logged.
func (d *Device) SetClock(ctx context.Context, dt DeviceTime) error {
	if err := dt.Validate(); err != nil {
		return err
	}
	response, err := d.ch.Send(ctx, "s"+dt.String())
	if err != nil {
		return err
	}
	if response != replyOK {
		d.log.Error("Changing device date failed", zap.Stringer("date", dt), zap.String("response", response))
		return nil
	}
	d.log.Info("Changed device date", zap.Stringer("date", dt), zap.String("response", response))
	return nil
}
