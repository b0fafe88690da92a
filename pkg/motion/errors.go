package motion

import "errors"

var (
	// ErrBeyondEnd is returned when a recorded move is evaluated at or
	// after its last timestamp.
	ErrBeyondEnd = errors.New("evaluated beyond the end of the move")

	// ErrBeforeStart is returned when a move is evaluated at a negative
	// time.
	ErrBeforeStart = errors.New("evaluated before the start of the move")

	// ErrInvalidDuration is returned for a non-positive move duration.
	ErrInvalidDuration = errors.New("move duration must be positive")

	// ErrNotFound is returned when a move is not in a library.
	ErrNotFound = errors.New("move not found")

	// ErrBadShape is returned when recorded move data is malformed.
	ErrBadShape = errors.New("invalid recorded move data")
)
