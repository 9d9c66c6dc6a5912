package session

import "errors"

var (
	ErrNotFound                = errors.New("session: not found")
	ErrInvalidTransition       = errors.New("session: invalid state transition")
	ErrRunnerSessionIDBound    = errors.New("session: runner_session_id already bound")
	ErrRunnerSessionIDConflict = errors.New("session: runner_session_id owned by another session")
	ErrRunnerSessionIDStale    = errors.New("session: runner_session_id replacement does not match current value")
	ErrActive                  = errors.New("session: refused, session is active")
	ErrDirectoryRequired       = errors.New("session: directory is required")
)
