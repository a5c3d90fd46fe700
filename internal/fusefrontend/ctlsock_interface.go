package fusefrontend

import (
	"path/filepath"
	"strings"

	"github.com/xcryptfs/xcryptfs/internal/ctlsocksrv"
)

var _ ctlsocksrv.Interface = &RootNode{} // Verify that interface is implemented.

// The control socket speaks in paths relative to the mount point, the
// orchestrator in absolute backing paths.

func (rn *RootNode) abs(relPath string) string {
	return filepath.Join(rn.args.Mirrordir, relPath)
}

// State implements ctlsocksrv.Interface
func (rn *RootNode) State(relPath string) (encrypted bool, inconsistent bool, err error) {
	return rn.orch.State(rn.abs(relPath))
}

// Recover implements ctlsocksrv.Interface
func (rn *RootNode) Recover(relPath string) error {
	return rn.orch.Recover(rn.abs(relPath))
}

// Dismiss implements ctlsocksrv.Interface
func (rn *RootNode) Dismiss(relPath string) error {
	return rn.orch.Dismiss(rn.abs(relPath))
}

// Inconsistent implements ctlsocksrv.Interface
func (rn *RootNode) Inconsistent() []string {
	abs := rn.orch.Inconsistent()
	out := make([]string, 0, len(abs))
	prefix := filepath.Clean(rn.args.Mirrordir) + "/"
	for _, p := range abs {
		out = append(out, strings.TrimPrefix(p, prefix))
	}
	return out
}

// SwapCount implements ctlsocksrv.Interface
func (rn *RootNode) SwapCount() uint64 {
	return rn.orch.SwapCount()
}
