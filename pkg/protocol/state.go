package protocol

import (
	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// JointPositions is published on every control tick.
type JointPositions struct {
	Head     []float64 `json:"head_joint_positions"`
	Antennas []float64 `json:"antennas_joint_positions"`
}

// NewJointPositions copies the present joints.
func NewJointPositions(head kinematics.HeadJoints, antennas kinematics.Antennas) JointPositions {
	return JointPositions{Head: head[:], Antennas: antennas[:]}
}

// Joints converts back to typed joints. Short slices leave zeros.
func (j JointPositions) Joints() (kinematics.HeadJoints, kinematics.Antennas) {
	var (
		head     kinematics.HeadJoints
		antennas kinematics.Antennas
	)
	copy(head[:], j.Head)
	copy(antennas[:], j.Antennas)
	return head, antennas
}

// HeadPose is published on every control tick, as a nested 4x4 list.
type HeadPose struct {
	HeadPose [4][4]float64 `json:"head_pose"`
}

// NewHeadPose wraps a pose.
func NewHeadPose(p pose.Pose) HeadPose { return HeadPose{HeadPose: p} }

// Pose returns the typed pose.
func (h HeadPose) Pose() pose.Pose { return pose.Pose(h.HeadPose) }

// DaemonState is the lifecycle state of the daemon.
type DaemonState string

const (
	StateNotInitialized DaemonState = "not_initialized"
	StateStarting       DaemonState = "starting"
	StateRunning        DaemonState = "running"
	StateStopping       DaemonState = "stopping"
	StateStopped        DaemonState = "stopped"
	StateError          DaemonState = "error"
)

// DaemonStatus is published once per second.
type DaemonStatus struct {
	RobotName         string          `json:"robot_name"`
	State             DaemonState     `json:"state"`
	WirelessVersion   bool            `json:"wireless_version"`
	SimulationEnabled *bool           `json:"simulation_enabled"`
	MockupSimEnabled  *bool           `json:"mockup_sim_enabled"`
	BackendStatus     *backend.Status `json:"backend_status"`
	Error             *string         `json:"error"`
	Version           string          `json:"version,omitempty"`
}
