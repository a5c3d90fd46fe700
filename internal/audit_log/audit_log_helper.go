package audit_log

import (
	"fmt"
	"os"

	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// callerProcess returns the executable of process "pid", or an empty
// string if it is gone or not ours to look at.
func callerProcess(pid uint32) string {
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		tlog.Debug.Printf("audit_log: read process name failed w/ '%v'", err)
		return ""
	}
	return exe
}
