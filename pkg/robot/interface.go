// Package robot is the client side of the reachy daemon. It publishes
// commands and tasks on the bus and keeps the latest state the daemon
// publishes.
//
// The interfaces are small so consumers depend only on what they use.
package robot

import (
	"context"

	"github.com/teslashibe/go-reachy-daemon/pkg/protocol"
)

// HeadController provides head movement control.
// Use this minimal interface when only head control is needed (e.g., tracking).
type HeadController interface {
	SetHeadPose(roll, pitch, yaw float64) error
}

// AntennaController provides antenna position control.
type AntennaController interface {
	SetAntennas(left, right float64) error
	SetAntennasSmooth(left, right, duration float64) error
}

// BodyController provides body rotation control.
type BodyController interface {
	SetBodyYaw(yaw float64) error
}

// PoseController provides batched pose control (head + antennas + body) in
// a single command.
type PoseController interface {
	SetPose(head *Offset, antennas *[2]float64, bodyYaw *float64) error
}

// StatusController provides daemon status queries.
type StatusController interface {
	GetDaemonStatus() (string, error)
}

// MotorController switches torque and the motor control mode.
type MotorController interface {
	SetTorque(on bool, ids ...string) error
	SetGravityCompensation(on bool) error
}

// TaskController runs long operations and waits for them to end.
type TaskController interface {
	Goto(ctx context.Context, g protocol.GotoTask) error
	PlayMove(ctx context.Context, name, library string) error
}

// Controller is the composite interface for full robot control.
type Controller interface {
	HeadController
	AntennaController
	BodyController
	PoseController
	StatusController
	MotorController
	TaskController
}

var _ Controller = (*Client)(nil)
