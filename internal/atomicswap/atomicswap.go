// Package atomicswap replaces the content of a file with a transformed
// version of itself without ever exposing a half-written state.
//
// The transformed content goes to a uniquely named working copy in the same
// directory, which is then renamed over the original. Readers of the
// original path see either the old or the new content, never a mixture.
// Rename(2) replaces the inode, so hard links to the file are detached from
// it and the inode number changes.
package atomicswap

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/xattr"

	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/encstate"
	"github.com/xcryptfs/xcryptfs/internal/syscallcompat"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

const (
	// WorkingCopySuffix ends the name of every working copy.
	WorkingCopySuffix = "." + tlog.ProgramName + "-tmp"
	// maxBaseLen limits how much of the original name goes into the working
	// copy name, so that we stay below NAME_MAX (255).
	maxBaseLen = 160
)

// Transformer is the content transform applied by Replace.
// *contentenc.ContentEnc implements it.
type Transformer interface {
	Transform(dst io.Writer, src io.Reader, dir contentenc.Direction) error
}

// WorkingCopyName returns a fresh working copy path for "path".
func WorkingCopyName(path string) string {
	dir, base := filepath.Split(path)
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	return filepath.Join(dir, "."+base+"."+uuid.NewString()+WorkingCopySuffix)
}

// IsWorkingCopy returns true if "name" looks like a working copy left
// behind in the mirror directory.
func IsWorkingCopy(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, WorkingCopySuffix)
}

// Replace rewrites the regular file at "path" with t.Transform(content, dir).
//
// On success, the file has the new content and keeps its permission bits,
// timestamps, extended attributes and (when running as root) owner. On
// failure, the file is untouched. In both cases no working copy is left
// behind.
func Replace(path string, t Transformer, dir contentenc.Direction) (err error) {
	src, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return &IOError{Op: "open", Path: path, Err: err}
	}
	defer src.Close()
	var st syscall.Stat_t
	if err = syscall.Fstat(int(src.Fd()), &st); err != nil {
		return &IOError{Op: "fstat", Path: path, Err: err}
	}
	if st.Mode&syscall.S_IFMT != syscall.S_IFREG {
		return &IOError{Op: "replace", Path: path, Err: syscall.EINVAL}
	}

	tmpPath := WorkingCopyName(path)
	dst, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|syscall.O_NOFOLLOW, 0600)
	if err != nil {
		return &IOError{Op: "create", Path: tmpPath, Err: err}
	}
	defer func() {
		if dst != nil {
			dst.Close()
		}
		if err != nil {
			if err2 := syscall.Unlink(tmpPath); err2 != nil && err2 != syscall.ENOENT {
				tlog.Warn.Printf("atomicswap: could not remove working copy %q: %v", tmpPath, err2)
			}
		}
	}()
	tlog.Debug.Printf("atomicswap.Replace %q %s via %q", path, dir, filepath.Base(tmpPath))

	if err = t.Transform(dst, src, dir); err != nil {
		// Transform errors are already typed (*contentenc.CipherError)
		return err
	}
	if err = copyXattrs(src, dst); err != nil {
		return &IOError{Op: "copy xattrs", Path: path, Err: err}
	}
	// Chown clears the setuid and setgid bits, so it goes before chmod.
	if err = syscallcompat.CopyOwner(dst, &st); err != nil {
		return &IOError{Op: "fchown", Path: tmpPath, Err: err}
	}
	if err = syscall.Fchmod(int(dst.Fd()), st.Mode&07777); err != nil {
		return &IOError{Op: "fchmod", Path: tmpPath, Err: err}
	}
	if err = dst.Sync(); err != nil {
		return &IOError{Op: "fsync", Path: tmpPath, Err: err}
	}
	// Writing updated the timestamps, so restore them last.
	if err = syscallcompat.CopyTimes(dst, &st); err != nil {
		return &IOError{Op: "utimens", Path: tmpPath, Err: err}
	}
	err = dst.Close()
	dst = nil
	if err != nil {
		return &IOError{Op: "close", Path: tmpPath, Err: err}
	}
	if err = syscallcompat.Rename(tmpPath, path); err != nil {
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	syscallcompat.FsyncDir(filepath.Dir(path))
	return nil
}

// copyXattrs copies the extended attributes of "src" to "dst".
// The encryption flag must survive the swap. The inconsistent marker never
// does: a completed swap leaves a consistent file. Others (for example
// security.selinux, which only root may set) are copied when possible.
func copyXattrs(src *os.File, dst *os.File) error {
	names, err := xattr.FList(src)
	if err != nil {
		if syscallcompat.IsENOTSUP(err) {
			return nil
		}
		return err
	}
	for _, name := range names {
		if name == encstate.AttrInconsistent {
			continue
		}
		val, err := xattr.FGet(src, name)
		if err != nil {
			if syscallcompat.IsENODATA(err) {
				// Removed concurrently from outside the mount
				continue
			}
			return err
		}
		err = xattr.FSet(dst, name, val)
		if err == nil {
			continue
		}
		if encstate.IsReserved(name) {
			return err
		}
		tlog.Warn.Printf("atomicswap: dropping xattr %q of %q: %v", name, src.Name(), err)
	}
	return nil
}

// IOError is a failed file operation during a swap. The original file is
// intact when Replace returns it.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("atomicswap: %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
