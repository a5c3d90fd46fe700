// Package exitcodes contains all well-defined exit codes that xcryptfs
// can return.
package exitcodes

import (
	"errors"
	"os"
)

const (
	// Usage - usage error like wrong cli syntax, wrong number of parameters.
	Usage = 1
	// 2 is reserved because it is used by Go panic

	// MirrorDir means that the MIRRORDIR does not exist or is not a directory.
	MirrorDir = 6
	// ReadPassword means something went wrong reading the key
	ReadPassword = 9
	// MountPoint error means that the mountpoint is invalid (not empty etc).
	MountPoint = 10
	// Other error - please inspect the message
	Other = 11
	// SigInt means we got SIGINT
	SigInt = 15
	// ForkChild means forking the worker child failed
	ForkChild = 17
	// FuseNewServer - this exit code means that the call to fs.Mount failed.
	// This usually means that there was a problem executing fusermount, or
	// fusermount could not attach the mountpoint to the kernel.
	FuseNewServer = 19
	// CtlSock - the control socket file could not be created.
	CtlSock = 20
	// PasswordEmpty - we received an empty key
	PasswordEmpty = 22
	// Profiler - error occurred when trying to write cpu or memory profile or
	// execution trace
	Profiler = 25
	// FsckErrors - the filesystem check found errors
	FsckErrors = 26
	// Inconsistent - at unmount time, at least one file was left in the
	// inconsistent state and needs manual recovery
	Inconsistent = 27
	// ExcludeError - an error occurred while processing "-exclude"
	ExcludeError = 29
	// DevNull means that /dev/null could not be opened
	DevNull = 30
)

// Err wraps an error with an associated numeric exit code
type Err struct {
	error
	code int
}

// NewErr returns an error containing "msg" and the exit code "code".
func NewErr(msg string, code int) Err {
	return Err{
		error: errors.New(msg),
		code:  code,
	}
}

// Exit extracts the numeric exit code from "err" (if available) and exits the
// application.
func Exit(err error) {
	var err2 Err
	if !errors.As(err, &err2) {
		os.Exit(Other)
	}
	os.Exit(err2.code)
}
