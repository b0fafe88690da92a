// Package backend drives the head: it owns the targets, runs the fixed-rate
// control loop that turns them into actuator commands, and executes moves
// under a single-flight guard.
//
// Three variants share the same core:
//
//   - Robot talks to the real motors through a MotorController.
//   - Physics steps a Simulator and closes the loop on its joints.
//   - Mockup copies targets to the present state every tick.
package backend

import (
	"context"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/motion"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/trajectory"
)

// Backend is the motion control surface the daemon drives.
type Backend interface {
	// Run blocks running the control loop until ctx is done or the loop
	// fails.
	Run(ctx context.Context) error
	Ready() <-chan struct{}
	Close() error
	Status() Status

	SetTarget(head *pose.Pose, antennas *kinematics.Antennas, bodyYaw *float64)
	SetTargetHeadPose(p pose.Pose)
	SetTargetBodyYaw(y float64)
	SetTargetHeadJoints(j kinematics.HeadJoints)
	SetTargetAntennas(a kinematics.Antennas)
	PresentHeadJoints() kinematics.HeadJoints
	PresentAntennas() kinematics.Antennas
	PresentHeadPose() pose.Pose
	PresentBodyYaw() float64

	GotoTarget(ctx context.Context, req GotoRequest) error
	GotoJointPositions(ctx context.Context, head *kinematics.HeadJoints, antennas *kinematics.Antennas, d time.Duration, method trajectory.Method) error
	PlayMove(ctx context.Context, m motion.Move, opts PlayOptions) error
	IsMoveRunning() bool
	CancelMove()

	MotorControlMode() MotorControlMode
	SetMotorControlMode(m MotorControlMode) error
	SetMotorTorqueIDs(names []string, on bool) error
	SetAutomaticBodyYaw(on bool)

	StartRecording()
	StopRecording() []Record
	AppendRecord(r Record)
	SetPublisher(p Publisher)
	SetSoundPlayer(s SoundPlayer)

	WakeUp(ctx context.Context) error
	GotoSleep(ctx context.Context) error
	SetShuttingDown(on bool)
}

var (
	_ Backend = (*Robot)(nil)
	_ Backend = (*Physics)(nil)
	_ Backend = (*Mockup)(nil)
)
