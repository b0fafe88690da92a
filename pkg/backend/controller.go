package backend

import "github.com/teslashibe/go-reachy-daemon/pkg/kinematics"

// PositionReader reads the present joint positions.
type PositionReader interface {
	ReadPositions() (kinematics.HeadJoints, kinematics.Antennas, error)
}

// PositionWriter sends goal positions.
type PositionWriter interface {
	SetStewartPositions(p [6]float64) error
	SetBodyRotation(yaw float64) error
	SetAntennaPositions(a kinematics.Antennas) error
}

// CurrentWriter sends goal currents, in controller units, to the platform
// motors.
type CurrentWriter interface {
	SetStewartGoalCurrents(c [6]int16) error
}

// TorqueSwitch turns motor torque on and off.
type TorqueSwitch interface {
	EnableTorque() error
	DisableTorque() error
	TorqueEnabled() (bool, error)
	SetTorqueOnIDs(ids []uint8, on bool) error
	EnableStewart(on bool) error
	EnableBodyRotation(on bool) error
	EnableAntennas(on bool) error
}

// ModeSwitch reads and writes operating modes.
type ModeSwitch interface {
	StewartOperatingMode() (uint8, error)
	SetStewartOperatingMode(mode uint8) error
	SetBodyRotationOperatingMode(mode uint8) error
}

// RawIO gives register level access to single motors.
type RawIO interface {
	ReadRaw(id uint8, addr uint16, length int) ([]byte, error)
	WriteRawPacket(packet []byte) ([]byte, error)
	WritePID(id uint8, p, i, d uint16) error
}

// MotorController is everything the robot backend needs from the motor bus.
type MotorController interface {
	PositionReader
	PositionWriter
	CurrentWriter
	TorqueSwitch
	ModeSwitch
	RawIO

	// MotorIDs maps motor names to bus ids.
	MotorIDs() map[string]uint8
	Close() error
}

// StatsReporter is implemented by controllers that keep bus statistics.
type StatsReporter interface {
	Stats() map[string]any
}

// Operating modes of the platform motors.
const (
	OperatingModeCurrent  uint8 = 0
	OperatingModeVelocity uint8 = 1
	OperatingModePosition uint8 = 3
)
