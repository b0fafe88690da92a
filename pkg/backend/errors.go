package backend

import "errors"

var (
	// ErrMoveRunning is returned when a move request is rejected because
	// another caller owns the move guard. Callers treat it as a no-op.
	ErrMoveRunning = errors.New("another move is running")

	// ErrMoveCancelled is returned by a move stopped through CancelMove.
	ErrMoveCancelled = errors.New("move cancelled")

	// ErrCapability is returned when the kinematics engine lacks a model a
	// request needs, such as gravity compensation.
	ErrCapability = errors.New("kinematics engine lacks capability")

	// ErrHardwareSilent stops the control loop after the motors stopped
	// answering.
	ErrHardwareSilent = errors.New("no response from the motors")

	// ErrInvalidDuration is returned for non-positive move durations.
	ErrInvalidDuration = errors.New("duration must be positive")

	// ErrUnknownMotor is returned for motor names the controller does not know.
	ErrUnknownMotor = errors.New("unknown motor")

	// ErrNotSupported is returned by operations a variant does not provide.
	ErrNotSupported = errors.New("not supported by this backend")
)
