package fusefrontend

import (
	"bytes"
	"context"
	"syscall"

	"github.com/pkg/xattr"

	"github.com/xcryptfs/xcryptfs/internal/encstate"
)

// Our own attributes (see encstate) are invisible through the mount. Users
// could otherwise flip the encryption flag and make us decrypt plaintext.
//
// Changes go through the path lock: a swap copies the attributes of the
// old file to the new one, and a change made in the middle would be lost.

// Getxattr - FUSE call. Reads the value of extended attribute "attr".
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if encstate.IsReserved(attr) {
		return 0, syscall.ENODATA
	}
	return n.LoopbackNode.Getxattr(ctx, attr, dest)
}

// Setxattr - FUSE call. Set extended attribute.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if encstate.IsReserved(attr) {
		return syscall.EPERM
	}
	p := n.backingPath()
	err := n.rootNode().orch.Exclusive(func() error {
		return errnoToErr(n.LoopbackNode.Setxattr(ctx, attr, data, flags))
	}, p)
	return errToErrno("Setxattr", p, err)
}

// Removexattr - FUSE call.
func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	if encstate.IsReserved(attr) {
		return syscall.EPERM
	}
	p := n.backingPath()
	err := n.rootNode().orch.Exclusive(func() error {
		return errnoToErr(n.LoopbackNode.Removexattr(ctx, attr))
	}, p)
	return errToErrno("Removexattr", p, err)
}

// Listxattr - FUSE call. Lists extended attributes on the file, without
// ours.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	p := n.backingPath()
	names, err := xattr.LList(p)
	if err != nil {
		return 0, errToErrno("Listxattr", p, err)
	}
	return packXattrNames(names, dest)
}

// packXattrNames writes "names" into "dest" as a list of null-terminated
// strings, skipping reserved names. A too-small "dest" gets ERANGE and the
// required size.
func packXattrNames(names []string, dest []byte) (uint32, syscall.Errno) {
	var buf bytes.Buffer
	for _, name := range names {
		if encstate.IsReserved(name) {
			continue
		}
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	if buf.Len() > len(dest) {
		return uint32(buf.Len()), syscall.ERANGE
	}
	return uint32(copy(dest, buf.Bytes())), 0
}
