package contentenc

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncatedHeader means that a file that should hold ciphertext is
	// shorter than the file header.
	ErrTruncatedHeader = errors.New("truncated file header")
	// ErrBadVersion means that the file header carries an on-disk format
	// version we do not know.
	ErrBadVersion = errors.New("unknown on-disk format version")
)

// CipherError is returned by Transform when a stream could not be fully
// processed.
type CipherError struct {
	Dir Direction
	Err error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("cipher transform (%s): %v", e.Dir, e.Err)
}

func (e *CipherError) Unwrap() error {
	return e.Err
}
