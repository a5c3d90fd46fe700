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

// Open - FUSE call. Open already-existing file.
//
// The returned handle holds no file descriptor. Each read and write opens the
// backing file inside its own session.
func (n *Node) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	p := n.backingPath()
	if errno = n.openBacking(p, flags); errno != 0 {
		return nil, 0, errno
	}
	n.rootNode().audit.Path(audit_log.EventOpen, toFuseCaller(ctx), n.Path(n.Root()))
	return NewFile(n, flags), 0, 0
}

// openBacking checks that the backing file can be opened with "flags" and
// truncates it if O_TRUNC is set. Opening the backing file gets us the
// permission and file type checks of the underlying filesystem, the content
// is not touched.
func (n *Node) openBacking(p string, flags uint32) syscall.Errno {
	newFlags := int(flags) &^ (syscall.O_CREAT | syscall.O_EXCL | syscall.O_TRUNC | syscall.O_APPEND | syscall.O_DIRECT)
	newFlags |= syscall.O_NOFOLLOW
	fd, err := syscall.Open(p, newFlags, 0)
	if err != nil {
		if err == syscall.EMFILE {
			var lim syscall.Rlimit
			syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim)
			tlog.Warn.Printf("Open %q: too many open files. Current \"ulimit -n\": %d", p, lim.Cur)
		}
		return fs.ToErrno(err)
	}
	syscall.Close(fd)
	if flags&syscall.O_TRUNC != 0 && int(flags)&syscall.O_ACCMODE != syscall.O_RDONLY {
		err = n.rootNode().orch.Do(p, func(bp string) error {
			return syscallcompat.Truncate(bp, 0)
		})
		if err != nil {
			return errToErrno("Open(O_TRUNC)", p, err)
		}
	}
	return 0
}

// Create - FUSE call. Creates a new file and encrypts it right away, so it
// is never at rest in plaintext.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	rn := n.rootNode()
	p := n.childPath(name)

	fd, err := syscall.Open(p, syscall.O_CREAT|syscall.O_EXCL|syscall.O_WRONLY|syscall.O_NOFOLLOW, mode)
	if err == syscall.EEXIST && flags&syscall.O_EXCL == 0 {
		// Somebody was faster. Open the existing file like open(2) would.
		if errno = n.openBacking(p, flags); errno != 0 {
			return nil, nil, 0, errno
		}
	} else if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	} else {
		syscall.Close(fd)
		if rn.args.PreserveOwner {
			n.chownToCaller(ctx, p)
		}
		if err := rn.orch.Create(p); err != nil {
			syscall.Unlink(p)
			return nil, nil, 0, errToErrno("Create", p, err)
		}
		rn.audit.Path(audit_log.EventCreate, toFuseCaller(ctx), filepath.Join(n.Path(n.Root()), name))
	}

	var st syscall.Stat_t
	if err := rn.orch.Getattr(p, &st); err != nil {
		return nil, nil, 0, errToErrno("Create", p, err)
	}
	id := n.stableAttr(name, &st)
	node := n.RootData.NewNode(n.RootData, n.EmbeddedInode(), name, &st)
	ch := n.NewInode(ctx, node, id)
	out.Attr.FromStat(&st)
	out.Attr.Ino = id.Ino
	return ch, NewFile(toNode(ch.Operations()), flags), 0, 0
}
