package telescope

import (
	"errors"
	"math"
	"testing"
)

func TestParsePosition(t *testing.T) {
	for _, test := range []struct {
		input   string
		want    Position
		wantErr bool
	}{
		{"0,10", Position{0, 10}, false},
		{" 45.5 , 20 ", Position{45.5, 20}, false},
		{"45", Position{}, true},
		{"1,2,3", Position{}, true},
		{"a,b", Position{}, true},
		{"", Position{}, true},
	} {
		got, err := ParsePosition(test.input)
		if test.wantErr {
			if !errors.Is(err, ErrInvalidPosition) {
				t.Errorf("ParsePosition(%q) = %v, %v; want ErrInvalidPosition", test.input, got, err)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("ParsePosition(%q) = %v, %v; want %v", test.input, got, err, test.want)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, p := range []Position{{-1, 0}, {0, -0.5}, {math.NaN(), 0}, {0, math.Inf(1)}} {
		if err := p.Validate(); !errors.Is(err, ErrInvalidPosition) {
			t.Errorf("%v.Validate() = %v, want ErrInvalidPosition", p, err)
		}
	}
	if err := (Position{179.9, 720}).Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFromPair(t *testing.T) {
	if _, err := FromPair([]float64{1}); !errors.Is(err, ErrInvalidPosition) {
		t.Errorf("FromPair(1 value) = %v", err)
	}
	if p, err := FromPair([]float64{10, 20}); err != nil || p != (Position{10, 20}) {
		t.Errorf("FromPair = %v, %v", p, err)
	}
}
