package arduino

import (
	"errors"
	"fmt"
)

// ErrInvalidClock is returned when a DeviceTime has out-of-range fields.
var ErrInvalidClock = errors.New("invalid device time")

// ParseError reports a response that could not be turned into the typed
// result its command promises.
type ParseError struct {
	Command  string
	Response string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing response to %q: %q: %v", e.Command, e.Response, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CalibrationError is returned when an axis could not be homed.
type CalibrationError struct {
	Axis     Axis
	Response string
}

// EndSwitchMissing reports whether the device gave up after a full turn
// without finding the end switch.
func (e *CalibrationError) EndSwitchMissing() bool {
	return e.Response == replyEndSwitchMissing
}

func (e *CalibrationError) Error() string {
	if e.EndSwitchMissing() {
		return fmt.Sprintf("calibrating %v axis: end switch not found after full turn (response %q)", e.Axis, e.Response)
	}
	return fmt.Sprintf("calibrating %v axis: unexpected response %q", e.Axis, e.Response)
}

// ResponseError is returned when the device answers an action command with
// anything other than the success code.
type ResponseError struct {
	Command  string
	Response string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("command %q failed: response %q", e.Command, e.Response)
}
