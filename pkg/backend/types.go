package backend

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/trajectory"
)

// MotorControlMode is the torque state of the motors.
type MotorControlMode string

const (
	// Enabled holds the commanded positions.
	Enabled MotorControlMode = "enabled"
	// Disabled turns torque off.
	Disabled MotorControlMode = "disabled"
	// GravityCompensation drives the platform in current mode so the head
	// floats and can be moved by hand.
	GravityCompensation MotorControlMode = "gravity_compensation"
)

// Valid reports whether m is a known mode.
func (m MotorControlMode) Valid() bool {
	switch m {
	case Enabled, Disabled, GravityCompensation:
		return true
	}
	return false
}

// ParseMotorControlMode parses a mode name, case-insensitively.
func ParseMotorControlMode(s string) (MotorControlMode, error) {
	m := MotorControlMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown motor control mode %q", s)
	}
	return m, nil
}

// UnmarshalJSON rejects unknown modes.
func (m *MotorControlMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseMotorControlMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Backend variant tags reported in Status.
const (
	KindRobot   = "robot"
	KindPhysics = "physics"
	KindMockup  = "mockup"
)

// LoopStats summarizes the last control loop stats window.
type LoopStats struct {
	MeanFrequency   float64 `json:"mean_control_loop_frequency"`
	MaxInterval     float64 `json:"max_control_loop_interval"`
	Errors          int     `json:"nb_error"`
	MotorController any     `json:"motor_controller,omitempty"`
}

// Status is a snapshot of a backend, rebuilt on every call.
type Status struct {
	Backend          string           `json:"backend"`
	MotorControlMode MotorControlMode `json:"motor_control_mode"`
	Ready            bool             `json:"ready"`
	Error            *string          `json:"error"`

	// Reported by the robot backend only.
	LastAlive        *float64   `json:"last_alive,omitempty"`
	ControlLoopStats *LoopStats `json:"control_loop_stats,omitempty"`
}

// DefaultGotoDuration is used by callers that leave the duration unset.
const DefaultGotoDuration = 500 * time.Millisecond

// GotoRequest moves the head, antennas and body to a target in task space.
type GotoRequest struct {
	Head     *pose.Pose
	Antennas *kinematics.Antennas
	// BodyYaw nil means 0.
	BodyYaw  *float64
	Duration time.Duration
	// Method empty means trajectory.Default.
	Method trajectory.Method
}

// PlayOptions tune PlayMove.
type PlayOptions struct {
	// Frequency is the sampling rate in Hz. Zero means 100.
	Frequency float64
	// InitialGoto, when positive, first moves to the start of the move
	// over this duration.
	InitialGoto time.Duration
}

// DefaultPlayFrequency is the move sampling rate in Hz.
const DefaultPlayFrequency = 100.0

// Record is one client-provided entry of a recording.
type Record map[string]any

// Publisher receives what the control loop produces.
type Publisher interface {
	PublishJoints(head kinematics.HeadJoints, antennas kinematics.Antennas)
	PublishHeadPose(p pose.Pose)
	PublishRecording(payload []byte) error
}

// SoundPlayer plays the sound attached to a move.
type SoundPlayer interface {
	Play(path string) error
	Stop()
}
