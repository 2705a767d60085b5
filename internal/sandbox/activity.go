package sandbox

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// ActivityProbe reports whether an agent process is currently working inside
// a path. The cleanup reconciler uses it to avoid pulling a sandbox out from
// under a live agent.
type ActivityProbe interface {
	Busy(path string) bool
}

// ProcessProbe detects agent processes with pgrep + lsof (macOS/Linux).
type ProcessProbe struct {
	binaries []string
}

// NewProcessProbe watches for the given process names; none means "claude".
func NewProcessProbe(binaries ...string) *ProcessProbe {
	if len(binaries) == 0 {
		binaries = []string{"claude"}
	}
	return &ProcessProbe{binaries: binaries}
}

// Busy returns true if a watched process has its cwd at or under path.
func (p *ProcessProbe) Busy(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, bin := range p.binaries {
		out, err := exec.Command("pgrep", "-x", bin).Output()
		if err != nil {
			continue // pgrep missing or no matches
		}
		for pid := range strings.FieldsSeq(strings.TrimSpace(string(out))) {
			cwd := processCwd(pid)
			if cwd == "" {
				continue
			}
			absCwd, err := filepath.Abs(cwd)
			if err != nil {
				continue
			}
			if absCwd == abs || strings.HasPrefix(absCwd, abs+string(filepath.Separator)) {
				return true
			}
		}
	}
	return false
}

// processCwd resolves a process's working directory via lsof.
func processCwd(pid string) string {
	out, err := exec.Command("lsof", "-a", "-p", pid, "-d", "cwd", "-Fn").Output()
	if err != nil {
		return ""
	}
	for line := range strings.SplitSeq(string(out), "\n") {
		if strings.HasPrefix(line, "n") && !strings.HasPrefix(line, "n ") {
			return line[1:]
		}
	}
	return ""
}
