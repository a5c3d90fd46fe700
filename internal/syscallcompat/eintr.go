package syscallcompat

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// retryEINTR executes operation `op` and retries if it gets EINTR.
//
// Like ignoringEINTR() in the Go stdlib:
// https://github.com/golang/go/blob/d2a80f3fb5b44450e0b304ac5a718f99c053d82a/src/os/file_posix.go#L243
//
// This is needed because network filesystems like CIFS throw lots of EINTR
// errors, and the mirror directory may well live on one.
//
// Don't use retryEINTR() with syscall.Close()!
// See https://code.google.com/p/chromium/issues/detail?id=269623 .
func retryEINTR(op func() error) error {
	for {
		err := op()
		if err != syscall.EINTR {
			return err
		}
	}
}

// Rename wraps the rename(2) syscall.
// Retries on EINTR.
func Rename(oldpath string, newpath string) (err error) {
	return retryEINTR(func() error {
		return unix.Rename(oldpath, newpath)
	})
}

// Truncate wraps the truncate(2) syscall.
// Retries on EINTR.
func Truncate(path string, size int64) (err error) {
	return retryEINTR(func() error {
		return unix.Truncate(path, size)
	})
}

// Lstat wraps the lstat(2) syscall.
// Retries on EINTR.
func Lstat(path string, st *syscall.Stat_t) (err error) {
	return retryEINTR(func() error {
		return syscall.Lstat(path, st)
	})
}
