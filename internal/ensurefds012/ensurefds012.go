// Package ensurefds012 makes sure that file descriptors 0, 1 and 2 are open
// before anything else runs. It dups /dev/null into the missing slots.
//
// Without it, the first file the filesystem opens on the mirror directory
// could end up as fd 1 or 2, and a stray log line would be written into a
// user's file.
//
// Use like this:
//
//	import _ "github.com/xcryptfs/xcryptfs/internal/ensurefds012"
//
// The import line MUST be in the alphabetically first source code file of
// package main!
//
// Check with
//
//	$ ./xcryptfs -fg ... 0<&- 1>&- 2>&-
//	$ ls -l /proc/$(pgrep xcryptfs)/fd
//
// that 0, 1 and 2 point to /dev/null.
package ensurefds012

import (
	"os"
	"syscall"

	"github.com/xcryptfs/xcryptfs/internal/exitcodes"
)

func init() {
	fd, err := syscall.Open("/dev/null", syscall.O_RDWR, 0)
	if err != nil {
		os.Exit(exitcodes.DevNull)
	}
	for fd <= 2 {
		fd, err = syscall.Dup(fd)
		if err != nil {
			os.Exit(exitcodes.DevNull)
		}
	}
	// The last dup landed above 2 and is not needed.
	syscall.Close(fd)
}
