package kinematics

import (
	"fmt"
	"math"

	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// HeadJoints holds the body yaw followed by the six platform actuators,
// in radians.
type HeadJoints [7]float64

// Antennas holds the right then left antenna angles, in radians.
type Antennas [2]float64

// BodyYaw returns the body rotation joint.
func (j HeadJoints) BodyYaw() float64 { return j[0] }

// Platform returns the six platform actuator angles.
func (j HeadJoints) Platform() [6]float64 {
	var out [6]float64
	copy(out[:], j[1:])
	return out
}

// MaxAbsDiff returns the largest per-joint difference between j and o.
func (j HeadJoints) MaxAbsDiff(o HeadJoints) float64 {
	var m float64
	for i := range j {
		m = math.Max(m, math.Abs(j[i]-o[i]))
	}
	return m
}

// HeadJointsFromSlice converts a 7-element slice.
func HeadJointsFromSlice(v []float64) (HeadJoints, error) {
	var j HeadJoints
	if len(v) != len(j) {
		return j, fmt.Errorf("%w: head joints need %d values, got %d", pose.ErrBadShape, len(j), len(v))
	}
	copy(j[:], v)
	return j, nil
}

// AntennasFromSlice converts a 2-element slice.
func AntennasFromSlice(v []float64) (Antennas, error) {
	var a Antennas
	if len(v) != len(a) {
		return a, fmt.Errorf("%w: antennas need %d values, got %d", pose.ErrBadShape, len(a), len(v))
	}
	copy(a[:], v)
	return a, nil
}

func joints(bodyYaw float64, platform [6]float64) HeadJoints {
	j := HeadJoints{bodyYaw}
	copy(j[1:], platform[:])
	return j
}

// Reference positions of the head.
var (
	// InitHeadPose is the neutral, upright head.
	InitHeadPose = pose.Identity()

	// SleepHeadPose is the resting pose, head tilted down onto the body.
	SleepHeadPose = pose.Pose{
		{0.911, 0.004, 0.413, -0.021},
		{-0.004, 1.0, -0.001, 0.001},
		{-0.413, -0.001, 0.911, -0.044},
		{0, 0, 0, 1},
	}

	// SleepHeadJoints are the measured joint positions of the physical
	// head at rest.
	SleepHeadJoints = HeadJoints{
		0,
		-0.9848156658225817,
		1.2624661884298831,
		-0.24390294527381684,
		0.20555342557667577,
		-1.2363885150358267,
		1.0032234352772091,
	}

	// SleepAntennas folds both antennas back.
	SleepAntennas = Antennas{-3.05, 3.05}
)

// Engine maps between head joints and the world head pose.
type Engine interface {
	Name() string
	Forward(j HeadJoints) (pose.Pose, error)
	Inverse(p pose.Pose, bodyYaw float64) (HeadJoints, error)
	SetAutomaticBodyYaw(on bool)
}

// Iterative is implemented by engines whose solves can run a chosen
// number of iterations.
type Iterative interface {
	ForwardN(j HeadJoints, n int) (pose.Pose, error)
	InverseN(p pose.Pose, bodyYaw float64, n int) (HeadJoints, error)
}

// GravityModel is implemented by engines that can compute the joint
// torques holding the head against gravity.
type GravityModel interface {
	GravityTorque(j HeadJoints) ([7]float64, error)
}

// CollisionChecker is implemented by engines that can reject
// self-colliding solutions.
type CollisionChecker interface {
	SetCheckCollision(on bool)
}
