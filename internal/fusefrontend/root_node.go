// Package fusefrontend interfaces directly with the go-fuse library. It
// presents the mirror directory as a loopback filesystem and routes every
// access to file content through the orchestrator.
package fusefrontend

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/xcryptfs/xcryptfs/internal/audit_log"
	"github.com/xcryptfs/xcryptfs/internal/orchestrator"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// RootNode is the root of the filesystem tree of Nodes.
type RootNode struct {
	Node
	// args stores configuration arguments
	args Args
	// orch brackets all content accesses
	orch *orchestrator.Orchestrator
	// audit may be nil
	audit *audit_log.Log
}

// NewRootNode returns the root of a filesystem showing "args.Mirrordir".
func NewRootNode(args Args, orch *orchestrator.Orchestrator, audit *audit_log.Log) (*RootNode, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(args.Mirrordir, &st); err != nil {
		tlog.Warn.Printf("Could not stat backing directory %q: %v", args.Mirrordir, err)
		return nil, err
	}
	rn := &RootNode{
		args:  args,
		orch:  orch,
		audit: audit,
	}
	rd := &fs.LoopbackRoot{
		Path:     args.Mirrordir,
		Dev:      uint64(st.Dev),
		NewNode:  newNode,
		RootNode: rn,
	}
	rn.Node.RootData = rd
	return rn, nil
}

// newNode is the node factory of the loopback tree. Every node below the
// root is a *Node.
func newNode(rootData *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
	return &Node{
		LoopbackNode: fs.LoopbackNode{
			RootData: rootData,
		},
	}
}

// AfterUnmount is called by main.doMount() after unmount
func (rn *RootNode) AfterUnmount() {
	if q := rn.orch.Inconsistent(); len(q) > 0 {
		tlog.Warn.Printf("%d file(s) were left in plaintext at rest, run with -fsck to list them", len(q))
	}
	tlog.Debug.Printf("AfterUnmount: %d swaps", rn.orch.SwapCount())
}
