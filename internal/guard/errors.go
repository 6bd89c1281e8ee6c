// Package guard validates untrusted session inputs before anything is
// spawned: the working directory and the caller-supplied CLI flags.
package guard

import (
	"errors"
	"fmt"
)

// Validation failure kinds. Match them with errors.Is.
var (
	ErrNotFound                 = errors.New("directory does not exist or is not accessible")
	ErrTraversalDetected        = errors.New("path traversal detected")
	ErrSystemDirectoryForbidden = errors.New("access to system directories is not allowed")
	ErrInvalidFlagFormat        = errors.New("invalid flag format")
	ErrForbiddenCharacters      = errors.New("forbidden characters in flag")
	ErrDisallowedFlag           = errors.New("disallowed flag")
)

// ValidationError reports which input was rejected and why.
type ValidationError struct {
	Kind  error
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func reject(kind error, value string) error {
	return &ValidationError{Kind: kind, Value: value}
}

// IsValidation reports whether err came from this package's validators.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
