package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid session request")
	ErrAlreadyExists     = errors.New("session already exists")
	ErrCapacityExceeded  = errors.New("maximum session limit reached")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotRunning = errors.New("session not running")
	ErrInputRejected     = errors.New("input rejected")
)

// SpawnError is returned by StartSession when the process could not be
// started. The session is never registered or persisted in that case.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
