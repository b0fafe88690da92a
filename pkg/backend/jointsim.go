package backend

import (
	"math"
	"sync"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// Simulator is any component providing joint read and write at a fixed
// step. Antennas are in the simulator's own convention, mirrored from the
// robot's.
type Simulator interface {
	Timestep() time.Duration
	Step() error
	ReadJoints() (kinematics.HeadJoints, kinematics.Antennas)
	WriteControl(head kinematics.HeadJoints, antennas kinematics.Antennas)
	// Reset teleports the joints and sets the control to the same values.
	Reset(head kinematics.HeadJoints, antennas kinematics.Antennas)
	SetCollisions(on bool)
}

// PoseReporter is implemented by simulators that measure the head pose
// themselves.
type PoseReporter interface {
	HeadPose() (pose.Pose, bool)
}

// JointSimConfig configures the built-in joint simulator.
type JointSimConfig struct {
	Timestep time.Duration
	// Omega is the natural frequency of every joint, in rad/s.
	Omega float64
	// Limits bound each joint while collisions are on.
	HeadLimits    [7][2]float64
	AntennaLimits [2][2]float64
}

// DefaultJointSimConfig returns a 2 ms step with ω = 40 rad/s.
func DefaultJointSimConfig() JointSimConfig {
	cfg := JointSimConfig{Timestep: 2 * time.Millisecond, Omega: 40}
	cfg.HeadLimits[0] = [2]float64{-2.8, 2.8}
	for i := 1; i < 7; i++ {
		cfg.HeadLimits[i] = [2]float64{-math.Pi / 2, math.Pi / 2}
	}
	cfg.AntennaLimits = [2][2]float64{{-math.Pi, math.Pi}, {-math.Pi, math.Pi}}
	return cfg
}

// JointSim tracks the commanded joints with critically damped second
// order dynamics.
type JointSim struct {
	cfg JointSimConfig

	mu         sync.Mutex
	q, v, ctrl [9]float64
	collisions bool
}

// NewJointSim creates a simulator with every joint at zero.
func NewJointSim(cfg JointSimConfig) *JointSim {
	def := DefaultJointSimConfig()
	if cfg.Timestep <= 0 {
		cfg.Timestep = def.Timestep
	}
	if cfg.Omega <= 0 {
		cfg.Omega = def.Omega
	}
	return &JointSim{cfg: cfg, collisions: true}
}

// Timestep implements Simulator.
func (s *JointSim) Timestep() time.Duration { return s.cfg.Timestep }

// Step implements Simulator.
func (s *JointSim) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dt := s.cfg.Timestep.Seconds()
	w := s.cfg.Omega
	for i := range s.q {
		a := w*w*(s.ctrl[i]-s.q[i]) - 2*w*s.v[i]
		s.v[i] += a * dt
		s.q[i] += s.v[i] * dt
		if s.collisions {
			lo, hi := s.limits(i)
			if s.q[i] < lo || s.q[i] > hi {
				s.q[i] = math.Max(lo, math.Min(hi, s.q[i]))
				s.v[i] = 0
			}
		}
	}
	return nil
}

func (s *JointSim) limits(i int) (float64, float64) {
	if i < 7 {
		return s.cfg.HeadLimits[i][0], s.cfg.HeadLimits[i][1]
	}
	return s.cfg.AntennaLimits[i-7][0], s.cfg.AntennaLimits[i-7][1]
}

// ReadJoints implements Simulator.
func (s *JointSim) ReadJoints() (kinematics.HeadJoints, kinematics.Antennas) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h kinematics.HeadJoints
	var a kinematics.Antennas
	copy(h[:], s.q[:7])
	copy(a[:], s.q[7:])
	return h, a
}

// WriteControl implements Simulator.
func (s *JointSim) WriteControl(head kinematics.HeadJoints, antennas kinematics.Antennas) {
	s.mu.Lock()
	copy(s.ctrl[:7], head[:])
	copy(s.ctrl[7:], antennas[:])
	s.mu.Unlock()
}

// Reset implements Simulator.
func (s *JointSim) Reset(head kinematics.HeadJoints, antennas kinematics.Antennas) {
	s.mu.Lock()
	copy(s.q[:7], head[:])
	copy(s.q[7:], antennas[:])
	s.ctrl = s.q
	s.v = [9]float64{}
	s.mu.Unlock()
}

// SetCollisions implements Simulator.
func (s *JointSim) SetCollisions(on bool) {
	s.mu.Lock()
	s.collisions = on
	s.mu.Unlock()
}
