// Package trajectory provides the time-warp laws used to shape moves.
//
// A warp maps normalized time t ∈ [0, 1] to an interpolation parameter.
// Every law maps 0 to 0 and 1 to 1 exactly. Only cartoon leaves [0, 1]
// in between, overshooting on both ends.
package trajectory

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrOutOfRange is returned when a warp is evaluated outside [0, 1].
	ErrOutOfRange = errors.New("time must be within [0, 1]")

	// ErrUnknownMethod is returned for an unrecognized interpolation method.
	ErrUnknownMethod = errors.New("unknown interpolation method")
)

// Method names an interpolation law.
type Method string

const (
	Linear    Method = "linear"
	MinJerk   Method = "minjerk"
	EaseInOut Method = "ease_in_out"
	Cartoon   Method = "cartoon"
)

// Default is the law used when a request does not name one.
const Default = MinJerk

// Cartoon back-easing constants.
const (
	cartoonC1 = 1.70158
	cartoonC2 = cartoonC1 * 1.525
)

// Methods lists the supported laws.
func Methods() []Method {
	return []Method{Linear, MinJerk, EaseInOut, Cartoon}
}

// ParseMethod resolves a method name, accepting the common aliases.
// An empty name resolves to Default.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return Default, nil
	case "linear":
		return Linear, nil
	case "minjerk", "min_jerk", "min-jerk":
		return MinJerk, nil
	case "ease_in_out", "ease-in-out", "ease":
		return EaseInOut, nil
	case "cartoon":
		return Cartoon, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Valid reports whether m is a supported law.
func (m Method) Valid() bool {
	_, err := ParseMethod(string(m))
	return err == nil && m != ""
}

// UnmarshalJSON accepts any alias understood by ParseMethod.
func (m *Method) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseMethod(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Warp evaluates the law at t. It fails loudly outside [0, 1].
func Warp(t float64, m Method) (float64, error) {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return 0, fmt.Errorf("%w: got %v", ErrOutOfRange, t)
	}
	m, err := ParseMethod(string(m))
	if err != nil {
		return 0, err
	}

	switch t {
	case 0:
		return 0, nil
	case 1:
		return 1, nil
	}

	switch m {
	case Linear:
		return t, nil
	case MinJerk:
		t3 := t * t * t
		return 10*t3 - 15*t3*t + 6*t3*t*t, nil
	case EaseInOut:
		if t < 0.5 {
			return 2 * t * t, nil
		}
		u := -2*t + 2
		return 1 - u*u/2, nil
	default: // Cartoon
		if t < 0.5 {
			u := 2 * t
			return u * u * ((cartoonC2+1)*u - cartoonC2) / 2, nil
		}
		u := 2*t - 2
		return (u*u*((cartoonC2+1)*u+cartoonC2) + 2) / 2, nil
	}
}
