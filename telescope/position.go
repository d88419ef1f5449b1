package telescope

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Position is a pointing direction in degrees. Theta is the tilt axis,
// normalized to [0, 180); Phi is the rotation axis, normalized to [0, 360).
type Position struct {
	Theta float64 `json:"theta_deg"`
	Phi   float64 `json:"phi_deg"`
}

func (p Position) String() string {
	return fmt.Sprintf("(theta=%.2f°, phi=%.2f°)", p.Theta, p.Phi)
}

// Validate rejects negative and non-finite angles. It checks the raw input,
// before normalization.
func (p Position) Validate() error {
	for _, a := range []struct {
		name string
		v    float64
	}{{"theta", p.Theta}, {"phi", p.Phi}} {
		if math.IsNaN(a.v) || math.IsInf(a.v, 0) {
			return fmt.Errorf("%w: %s is %v", ErrInvalidPosition, a.name, a.v)
		}
		if a.v < 0 {
			return fmt.Errorf("%w: both theta and phi have to be non-negative, got %s=%v", ErrInvalidPosition, a.name, a.v)
		}
	}
	return nil
}

// Normalize maps theta into [0, 180) and phi into [0, 360).
func (p Position) Normalize() Position {
	return Position{
		Theta: math.Mod(p.Theta, 180),
		Phi:   math.Mod(p.Phi, 360),
	}
}

// ParsePosition parses "theta,phi".
func ParsePosition(s string) (Position, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Position{}, fmt.Errorf("%w: %q is not a theta,phi pair", ErrInvalidPosition, s)
	}
	var vals [2]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return Position{}, fmt.Errorf("%w: %q: %v", ErrInvalidPosition, s, err)
		}
		vals[i] = v
	}
	return Position{Theta: vals[0], Phi: vals[1]}, nil
}

// FromPair builds a Position from a [theta, phi] pair.
func FromPair(pair []float64) (Position, error) {
	if len(pair) != 2 {
		return Position{}, fmt.Errorf("%w: want [theta, phi], got %d values", ErrInvalidPosition, len(pair))
	}
	return Position{Theta: pair[0], Phi: pair[1]}, nil
}
