package motion

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/trajectory"
)

// GotoEndpoint is one end of a goto move. Nil members are not moved.
type GotoEndpoint struct {
	Head     *pose.Pose
	Antennas *kinematics.Antennas
	BodyYaw  *float64
}

// GotoMove interpolates from a start to a target in a fixed duration.
// The head follows the rotation geodesic, antennas and body yaw move
// linearly, all driven by the same warped time.
type GotoMove struct {
	start    GotoEndpoint
	target   GotoEndpoint
	duration time.Duration
	method   trajectory.Method
}

// NewGotoMove builds a goto move. A nil target member defaults to the
// start value.
func NewGotoMove(start, target GotoEndpoint, duration time.Duration, method trajectory.Method) (*GotoMove, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidDuration, duration)
	}
	m, err := trajectory.ParseMethod(string(method))
	if err != nil {
		return nil, err
	}
	for _, p := range []*pose.Pose{start.Head, target.Head} {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	if target.Head == nil {
		target.Head = start.Head
	}
	if target.Antennas == nil {
		target.Antennas = start.Antennas
	}
	if target.BodyYaw == nil {
		target.BodyYaw = start.BodyYaw
	}
	return &GotoMove{start: start, target: target, duration: duration, method: m}, nil
}

// Duration implements Move.
func (g *GotoMove) Duration() time.Duration { return g.duration }

// Method returns the interpolation law.
func (g *GotoMove) Method() trajectory.Method { return g.method }

// Evaluate implements Move. Times outside [0, duration] are rejected.
func (g *GotoMove) Evaluate(t time.Duration) (Sample, error) {
	s, err := trajectory.Warp(t.Seconds()/g.duration.Seconds(), g.method)
	if err != nil {
		return Sample{}, err
	}

	var out Sample
	switch {
	case g.start.Head != nil:
		p := pose.Interpolate(*g.start.Head, *g.target.Head, s)
		out.Head = &p
	case g.target.Head != nil:
		p := *g.target.Head
		out.Head = &p
	}

	switch {
	case g.start.Antennas != nil:
		a := kinematics.Antennas{
			lerp(g.start.Antennas[0], g.target.Antennas[0], s),
			lerp(g.start.Antennas[1], g.target.Antennas[1], s),
		}
		if s == 1 {
			a = *g.target.Antennas
		}
		out.Antennas = &a
	case g.target.Antennas != nil:
		a := *g.target.Antennas
		out.Antennas = &a
	}

	switch {
	case g.start.BodyYaw != nil:
		y := lerp(*g.start.BodyYaw, *g.target.BodyYaw, s)
		if s == 1 {
			y = *g.target.BodyYaw
		}
		out.BodyYaw = &y
	case g.target.BodyYaw != nil:
		y := *g.target.BodyYaw
		out.BodyYaw = &y
	}
	return out, nil
}
