package speed

import (
	"os"
	"runtime"
	"strings"
)

// cpuModelName returns the "model name" acc. to /proc/cpuinfo, or ""
// on error. ARM devices have no "model name" line, we use "Hardware"
// there (for example "BCM2835" on a Raspberry Pi).
func cpuModelName() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	content, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	return parseCPUInfo(string(content))
}

func parseCPUInfo(content string) string {
	lines := strings.Split(content, "\n")
	for _, want := range []string{"model name", "Hardware"} {
		for _, line := range lines {
			if !strings.HasPrefix(line, want) {
				continue
			}
			parts := strings.SplitN(line, ":", 2)
			if len(parts) != 2 {
				continue
			}
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}
