// Package encstate reads and writes the per-file "this backing file holds
// ciphertext" flag. The flag lives in an extended attribute next to the
// content and is re-read on every call, so it always reflects what is on
// disk, also across restarts and across mounts sharing a mirror directory.
package encstate

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/pkg/xattr"

	"github.com/xcryptfs/xcryptfs/internal/syscallcompat"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

const (
	// AttrPrefix is the namespace of all attributes owned by the overlay.
	AttrPrefix = "user." + tlog.ProgramName + "."
	// AttrEncrypted marks a file whose content is ciphertext.
	AttrEncrypted = AttrPrefix + "encrypted"
	// AttrInconsistent marks a file whose re-encryption failed. Its content
	// may be plaintext even though AttrEncrypted says otherwise.
	AttrInconsistent = AttrPrefix + "inconsistent"

	valueTrue = "true"
)

// Tracker implements the state queries on the real filesystem. The zero
// value is ready to use.
type Tracker struct{}

// IsEncrypted reports whether "path" carries the encryption flag.
//
// A missing attribute, or a filesystem that does not support user xattrs,
// means "not encrypted by us". That is the safe default: such files are
// passed through untouched.
func (Tracker) IsEncrypted(path string) (bool, error) {
	return isTrue(path, AttrEncrypted)
}

// MarkEncrypted sets (on=true) or removes (on=false) the encryption flag.
// Calling it twice with the same value is not an error.
func (Tracker) MarkEncrypted(path string, on bool) error {
	return set(path, AttrEncrypted, on)
}

// IsInconsistent reports whether "path" carries the recovery marker.
func (Tracker) IsInconsistent(path string) (bool, error) {
	return isTrue(path, AttrInconsistent)
}

// MarkInconsistent sets the recovery marker.
func (Tracker) MarkInconsistent(path string) error {
	return set(path, AttrInconsistent, true)
}

// ClearInconsistent removes the recovery marker.
func (Tracker) ClearInconsistent(path string) error {
	return set(path, AttrInconsistent, false)
}

// IsReserved returns true if "attr" is one of the attributes owned by the
// overlay. Users must not see or change them through the mount.
func IsReserved(attr string) bool {
	return strings.HasPrefix(attr, AttrPrefix)
}

func isTrue(path string, attr string) (bool, error) {
	val, err := xattr.LGet(path, attr)
	if err != nil {
		errno := unpackXattrErr(err)
		if syscallcompat.IsENODATA(errno) || syscallcompat.IsENOTSUP(errno) || errno == syscall.EPERM {
			return false, nil
		}
		return false, &IOError{Op: "getxattr", Path: path, Attr: attr, Err: errno}
	}
	return string(val) == valueTrue, nil
}

func set(path string, attr string, on bool) error {
	var err error
	if on {
		err = xattr.LSet(path, attr, []byte(valueTrue))
	} else {
		err = xattr.LRemove(path, attr)
		if err != nil && syscallcompat.IsENODATA(unpackXattrErr(err)) {
			err = nil
		}
	}
	if err != nil {
		op := "setxattr"
		if !on {
			op = "removexattr"
		}
		return &IOError{Op: op, Path: path, Attr: attr, Err: unpackXattrErr(err)}
	}
	return nil
}

// unpackXattrErr unpacks an error value that we got from xattr.Get/Set/etc
// and returns the naked errno, if there is one.
func unpackXattrErr(err error) error {
	if err2, ok := err.(*xattr.Error); ok {
		return err2.Err
	}
	return err
}

// IOError is a failed attribute operation on the mirror directory.
type IOError struct {
	Op   string
	Path string
	Attr string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %q %s: %v", e.Op, e.Path, e.Attr, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
