package client

import "errors"

var (
	// ErrDaemonNotRunning is returned when nothing listens on the socket.
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the socket is not accessible to
	// the current user.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned for 404 responses, e.g. an unknown channel.
	ErrNotFound = errors.New("404 not found")

	// ErrConflict is returned for 409 responses: the controller is busy or
	// calibration and flow polling exclude each other.
	ErrConflict = errors.New("409 conflict")
)
