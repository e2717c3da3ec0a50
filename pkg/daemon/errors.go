package daemon

import "errors"

// Sentinel errors for daemon operations.
// Check them with errors.Is.
var (
	// ErrDaemonNotRunning indicates no live daemon owns the pid file
	ErrDaemonNotRunning = errors.New("daemon is not running")

	// ErrDaemonAlreadyRunning indicates another live daemon owns the pid file
	ErrDaemonAlreadyRunning = errors.New("daemon is already running")

	// ErrDetachFailed indicates the detached copy could not be started
	ErrDetachFailed = errors.New("failed to detach from session")

	// ErrNoSession indicates the detached copy did not obtain a session
	ErrNoSession = errors.New("daemon has no session")
)
