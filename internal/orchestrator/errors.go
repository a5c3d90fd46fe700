package orchestrator

import (
	"errors"
	"fmt"
)

var errMarkerFound = errors.New("inconsistent marker found on disk")

// ErrClosed is returned for accesses after Shutdown.
var ErrClosed = errors.New("orchestrator is shut down")

// StateInconsistentError means that a file flagged as encrypted was left in
// plaintext because re-encrypting it failed. The path is quarantined until
// Recover succeeds.
type StateInconsistentError struct {
	Path string
	// Err is why re-encryption failed
	Err error
}

func (e *StateInconsistentError) Error() string {
	return fmt.Sprintf("state inconsistent: %q holds plaintext at rest: %v", e.Path, e.Err)
}

func (e *StateInconsistentError) Unwrap() error {
	return e.Err
}

// IsStateInconsistent returns true if "err" is or wraps a
// *StateInconsistentError.
func IsStateInconsistent(err error) bool {
	var e *StateInconsistentError
	return errors.As(err, &e)
}
