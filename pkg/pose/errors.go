package pose

import "errors"

var (
	// ErrBadShape is returned when a pose has the wrong number of values or
	// a malformed last row.
	ErrBadShape = errors.New("malformed pose")

	// ErrNotOrthonormal is returned when the rotation block is not a rotation.
	ErrNotOrthonormal = errors.New("rotation is not orthonormal")
)
