package fusefrontend

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/xcryptfs/xcryptfs/internal/audit_log"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// File is a handle to an open file. It does not keep the backing file open:
// the backing file is replaced by every swap, and it must not stay in
// plaintext between two calls. Each Read and Write runs a complete session
// instead.
type File struct {
	// node is asked for the backing path on every call, so renames of an
	// open file are followed.
	node *Node
	// Flags the file was opened with
	flags uint32
}

// NewFile returns a handle for "n".
func NewFile(n *Node, flags uint32) *File {
	return &File{
		node:  n,
		flags: flags,
	}
}

// Read - FUSE call
func (f *File) Read(ctx context.Context, buf []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	rn := f.node.rootNode()
	p := f.node.backingPath()
	var n int
	err := rn.orch.Do(p, func(bp string) error {
		fd, err := syscall.Open(bp, syscall.O_RDONLY|syscall.O_NOFOLLOW, 0)
		if err != nil {
			return err
		}
		defer syscall.Close(fd)
		n, err = syscall.Pread(fd, buf, off)
		return err
	})
	if err != nil {
		return nil, errToErrno("Read", p, err)
	}
	rn.audit.Path(audit_log.EventRead, toFuseCaller(ctx), f.node.Path(f.node.Root()))
	tlog.Debug.Printf("Read %q: off=%d len=%d -> %d", p, off, len(buf), n)
	return fuse.ReadResultData(buf[:n]), 0
}

// Write - FUSE call
//
// For O_APPEND handles, the kernel has already moved "off" to the end of
// the file.
func (f *File) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	rn := f.node.rootNode()
	p := f.node.backingPath()
	var n int
	err := rn.orch.Do(p, func(bp string) error {
		fd, err := syscall.Open(bp, syscall.O_WRONLY|syscall.O_NOFOLLOW, 0)
		if err != nil {
			return err
		}
		defer syscall.Close(fd)
		n, err = syscall.Pwrite(fd, data, off)
		return err
	})
	if err != nil {
		return 0, errToErrno("Write", p, err)
	}
	rn.audit.Path(audit_log.EventWrite, toFuseCaller(ctx), f.node.Path(f.node.Root()))
	return uint32(n), 0
}

// Getattr - FUSE call (fstat)
func (f *File) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	return f.node.Getattr(ctx, f, out)
}

// Flush - FUSE call. Nothing is buffered in the handle.
func (f *File) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Fsync - FUSE call. Swapped files are already synced by the swap, this is
// for files passed through untouched.
func (f *File) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	p := f.node.backingPath()
	err := f.node.rootNode().orch.Do(p, func(bp string) error {
		fd, err := syscall.Open(bp, syscall.O_RDONLY|syscall.O_NOFOLLOW, 0)
		if err != nil {
			return err
		}
		defer syscall.Close(fd)
		return syscall.Fsync(fd)
	})
	return errToErrno("Fsync", p, err)
}

// Release - FUSE call, close file
func (f *File) Release(ctx context.Context) syscall.Errno {
	return 0
}

var _ = (fs.FileReader)((*File)(nil))
var _ = (fs.FileWriter)((*File)(nil))
var _ = (fs.FileGetattrer)((*File)(nil))
var _ = (fs.FileFlusher)((*File)(nil))
var _ = (fs.FileFsyncer)((*File)(nil))
var _ = (fs.FileReleaser)((*File)(nil))
