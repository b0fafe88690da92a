// Package motion provides the time-parameterized moves the backend plays:
// point-to-point goto moves and recorded moves replayed from a library.
//
// A Move is immutable. The executor samples it repeatedly from 0 up to its
// duration and applies each sample as the backend's targets.
package motion

import (
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// Sample is the target at one instant of a move. A nil member leaves that
// target untouched.
type Sample struct {
	Head     *pose.Pose
	Antennas *kinematics.Antennas
	BodyYaw  *float64
}

// Move is a trajectory evaluated by elapsed time.
type Move interface {
	Duration() time.Duration
	Evaluate(t time.Duration) (Sample, error)
}

// SoundPather is implemented by moves with an associated sound file.
type SoundPather interface {
	SoundPath() string
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}
