// Package syscallcompat wraps the few Linux syscalls we use on the mirror
// directory.
package syscallcompat

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// FsyncDir makes a rename inside "dir" durable. Errors are only logged: some
// filesystems (for example, FUSE-based ones) return EINVAL here.
func FsyncDir(dir string) {
	fd, err := syscall.Open(dir, syscall.O_RDONLY|syscall.O_DIRECTORY, 0)
	if err != nil {
		tlog.Debug.Printf("FsyncDir %q: open: %v", dir, err)
		return
	}
	defer syscall.Close(fd)
	err = retryEINTR(func() error {
		return syscall.Fsync(fd)
	})
	if err != nil {
		tlog.Debug.Printf("FsyncDir %q: fsync: %v", dir, err)
	}
}

// CopyTimes sets the access and modification time of "f" to those
// stored in "st".
func CopyTimes(f *os.File, st *syscall.Stat_t) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(syscall.TimespecToNsec(st.Atim)),
		unix.NsecToTimespec(syscall.TimespecToNsec(st.Mtim)),
	}
	return retryEINTR(func() error {
		return unix.UtimesNanoAt(unix.AT_FDCWD, f.Name(), ts, unix.AT_SYMLINK_NOFOLLOW)
	})
}

// CopyOwner chowns "f" to the owner stored in "st". Only root can give files
// away, so this is a no-op for everybody else.
func CopyOwner(f *os.File, st *syscall.Stat_t) error {
	if os.Getuid() != 0 {
		return nil
	}
	return retryEINTR(func() error {
		return unix.Fchown(int(f.Fd()), int(st.Uid), int(st.Gid))
	})
}
