package daemon

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while a backend is active.
	ErrAlreadyRunning = errors.New("daemon already running")

	// ErrNotReady is returned when the backend misses its first tick
	// within the ready timeout.
	ErrNotReady = errors.New("backend not ready")

	// ErrDuplicateTask is returned when a task uuid is already running.
	ErrDuplicateTask = errors.New("task already running")

	// ErrServerClosed is returned for tasks received after Close.
	ErrServerClosed = errors.New("server closed")

	// ErrNoLibrary is returned for a play-move task without a move registry.
	ErrNoLibrary = errors.New("no move library loaded")
)
