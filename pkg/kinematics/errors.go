package kinematics

import "errors"

var (
	// ErrUnreachable is returned when a leg cannot reach the requested
	// platform point.
	ErrUnreachable = errors.New("pose is out of reach")

	// ErrNoSolution is returned when the constrained solver fails to
	// converge or its solution violates a limit.
	ErrNoSolution = errors.New("no valid kinematic solution")

	// ErrNotUpright is returned when forward kinematics keeps landing on
	// an upside-down head.
	ErrNotUpright = errors.New("forward kinematics did not find an upright head")

	// ErrIterations is returned for an invalid iteration count.
	ErrIterations = errors.New("invalid iteration count")

	// ErrUnknownEngine is returned by New for an unrecognized engine name.
	ErrUnknownEngine = errors.New("unknown kinematics engine")

	// ErrBadModel is returned when a learned model file is malformed.
	ErrBadModel = errors.New("invalid learned model")
)
