package fusefrontend

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/orchestrator"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// toFuseCaller tries to extract the caller from a generic context.Context.
func toFuseCaller(ctx context.Context) *fuse.Caller {
	if ctx == nil {
		return nil
	}
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller
	}
	return nil
}

// toNode casts a generic fs.InodeEmbedder into *Node. Also handles *RootNode
// by return rn.Node.
func toNode(op fs.InodeEmbedder) *Node {
	if r, ok := op.(*RootNode); ok {
		return &r.Node
	}
	return op.(*Node)
}

// rootNode returns the Root Node of the filesystem.
func (n *Node) rootNode() *RootNode {
	return n.Root().Operations().(*RootNode)
}

// backingPath returns the absolute path of this node in the mirror directory.
// It is computed on every call, so it follows renames.
func (n *Node) backingPath() string {
	return filepath.Join(n.RootData.Path, n.Path(n.Root()))
}

// childPath returns the backing path of the entry "name" in this directory.
func (n *Node) childPath(name string) string {
	return filepath.Join(n.backingPath(), name)
}

// stableAttr returns the StableAttr for the child "name" with attributes
// "st". Every swap gives a regular file a new backing inode, so a regular
// file that we already know keeps its old inode number. Otherwise the kernel
// would see a different file after each access.
func (n *Node) stableAttr(name string, st *syscall.Stat_t) fs.StableAttr {
	mode := uint32(st.Mode) & syscall.S_IFMT
	if mode == syscall.S_IFREG {
		if ch := n.GetChild(name); ch != nil && ch.StableAttr().Mode&syscall.S_IFMT == mode {
			return ch.StableAttr()
		}
	}
	// Same scheme as the go-fuse loopback: move the device number to the
	// upper bits so files on other devices do not collide.
	swapped := (uint64(st.Dev) << 32) | (uint64(st.Dev) >> 32)
	swappedRootDev := (n.RootData.Dev << 32) | (n.RootData.Dev >> 32)
	return fs.StableAttr{
		Mode: mode,
		Gen:  1,
		Ino:  (swapped ^ swappedRootDev) ^ st.Ino,
	}
}

// errToErrno converts an error from the orchestrator or a syscall into an
// errno for the kernel. Inconsistent files and undecryptable content are
// reported as EIO.
func errToErrno(op string, path string, err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if orchestrator.IsStateInconsistent(err) {
		// Already logged loudly by the orchestrator
		return syscall.EIO
	}
	var errno syscall.Errno
	hasErrno := errors.As(err, &errno)
	var cErr *contentenc.CipherError
	if errors.As(err, &cErr) {
		if hasErrno && errno == syscall.ENOSPC {
			return errno
		}
		tlog.Warn.Printf("%s %q: %v", op, path, err)
		return syscall.EIO
	}
	if hasErrno {
		return errno
	}
	tlog.Warn.Printf("%s %q: %v", op, path, err)
	return syscall.EIO
}

// errnoToErr turns a zero errno into a nil error. A syscall.Errno(0) stored
// in an error interface would not compare equal to nil.
func errnoToErr(errno syscall.Errno) error {
	if errno == 0 {
		return nil
	}
	return errno
}
