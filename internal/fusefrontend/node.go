package fusefrontend

import (
	"context"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/xcryptfs/xcryptfs/internal/audit_log"
	"github.com/xcryptfs/xcryptfs/internal/syscallcompat"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// Node is a file or directory in the filesystem tree. Directory operations
// that do not touch file content (mkdir, symlink, readdir, ...) are served by
// the embedded LoopbackNode.
type Node struct {
	fs.LoopbackNode
}

// Lookup - FUSE call for discovering a file.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (ch *fs.Inode, errno syscall.Errno) {
	p := n.childPath(name)
	var st syscall.Stat_t
	if err := n.rootNode().orch.Getattr(p, &st); err != nil {
		return nil, errToErrno("Lookup", p, err)
	}
	id := n.stableAttr(name, &st)
	node := n.RootData.NewNode(n.RootData, n.EmbeddedInode(), name, &st)
	ch = n.NewInode(ctx, node, id)
	out.Attr.FromStat(&st)
	out.Attr.Ino = id.Ino
	return ch, 0
}

// Getattr - FUSE call. Returns attributes with the plaintext size.
//
// The file handle is not used, every access goes through the path.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	p := n.backingPath()
	var st syscall.Stat_t
	if err := n.rootNode().orch.Getattr(p, &st); err != nil {
		return errToErrno("Getattr", p, err)
	}
	out.FromStat(&st)
	if !n.IsRoot() {
		out.Ino = n.StableAttr().Ino
	}
	return 0
}

// Setattr - FUSE call. Truncation operates on the plaintext and goes through
// the orchestrator. Everything else is done by the loopback under the path
// lock, so a concurrent swap cannot lose it.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	rn := n.rootNode()
	p := n.backingPath()
	if sz, ok := in.GetSize(); ok {
		err := rn.orch.Do(p, func(bp string) error {
			return syscallcompat.Truncate(bp, int64(sz))
		})
		if err != nil {
			return errToErrno("Truncate", p, err)
		}
		rn.audit.Write(audit_log.EventTruncate, toFuseCaller(ctx), map[string]string{
			"path": n.Path(n.Root()),
		})
		in.Valid &^= fuse.FATTR_SIZE
	}
	if in.Valid&^(fuse.FATTR_FH|fuse.FATTR_LOCKOWNER) != 0 {
		err := rn.orch.Exclusive(func() error {
			return errnoToErr(n.LoopbackNode.Setattr(ctx, nil, in, out))
		}, p)
		if err != nil {
			return errToErrno("Setattr", p, err)
		}
	}
	return n.Getattr(ctx, f, out)
}

// Mknod - FUSE call. Create a device file, fifo or regular file. Regular
// files are encrypted right away like in Create.
func (n *Node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rn := n.rootNode()
	ch, errno := n.LoopbackNode.Mknod(ctx, name, mode, rdev, out)
	if errno != 0 || mode&syscall.S_IFMT != syscall.S_IFREG {
		return ch, errno
	}
	// The loopback has already given the file to the caller if we are root
	p := n.childPath(name)
	if err := rn.orch.Create(p); err != nil {
		syscall.Unlink(p)
		return nil, errToErrno("Mknod", p, err)
	}
	rn.audit.Path(audit_log.EventMknod, toFuseCaller(ctx), filepath.Join(n.Path(n.Root()), name))
	out.Attr.Size = 0
	return ch, 0
}

// Unlink - FUSE call. Delete a file.
//
// Takes the path lock, so the file cannot vanish in the middle of a swap.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	rn := n.rootNode()
	p := n.childPath(name)
	err := rn.orch.Remove(p, func() error {
		return errnoToErr(n.LoopbackNode.Unlink(ctx, name))
	})
	if err != nil {
		return errToErrno("Unlink", p, err)
	}
	rn.audit.Path(audit_log.EventUnlink, toFuseCaller(ctx), filepath.Join(n.Path(n.Root()), name))
	return 0
}

// Rename - FUSE call. Waits until no content operation is in flight, because
// renaming a directory moves the paths of everything below it.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	rn := n.rootNode()
	p1 := n.childPath(name)
	p2 := toNode(newParent).childPath(newName)
	err := rn.orch.Rename(p1, p2, func() error {
		return errnoToErr(n.LoopbackNode.Rename(ctx, name, newParent, newName, flags))
	})
	if err != nil {
		return errToErrno("Rename", p1, err)
	}
	rn.audit.Write(audit_log.EventRename, toFuseCaller(ctx), map[string]string{
		"from": filepath.Join(n.Path(n.Root()), name),
		"to":   filepath.Join(toNode(newParent).Path(n.Root()), newName),
	})
	return 0
}

// Link - FUSE call. Hard links are only allowed for files that are not
// encrypted, see orchestrator.Link.
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rn := n.rootNode()
	p1 := toNode(target).backingPath()
	p2 := n.childPath(name)
	var ch *fs.Inode
	err := rn.orch.Link(p1, p2, func() error {
		var errno syscall.Errno
		ch, errno = n.LoopbackNode.Link(ctx, target, name, out)
		return errnoToErr(errno)
	})
	if err != nil {
		return nil, errToErrno("Link", p1, err)
	}
	rn.audit.Write(audit_log.EventLink, toFuseCaller(ctx), map[string]string{
		"target": target.EmbeddedInode().Path(n.Root()),
		"path":   filepath.Join(n.Path(n.Root()), name),
	})
	return ch, 0
}

// chownToCaller gives "path" to the user who sent the request. Errors are
// logged, not returned, like a failed chown after a successful create
// should not fail the create.
func (n *Node) chownToCaller(ctx context.Context, path string) {
	caller := toFuseCaller(ctx)
	if caller == nil {
		return
	}
	if err := syscall.Lchown(path, int(caller.Uid), int(caller.Gid)); err != nil {
		tlog.Warn.Printf("chownToCaller %q: %v", path, err)
	}
}
