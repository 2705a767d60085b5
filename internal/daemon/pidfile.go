// Package daemon tracks the serve process through a PID file so a second
// invocation can refuse to start and `dispatch serve --stop` can find the
// running instance.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile guards single-instance operation of the serve daemon.
type PIDFile struct {
	Path string
}

// New creates a PIDFile manager for the given path.
func New(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire claims the PID file for the current process. It fails when the
// file names a process that is still alive; a leftover file from a dead
// process or with unreadable content is overwritten.
func (p *PIDFile) Acquire() error {
	if pid, running := p.IsRunning(); running {
		return fmt.Errorf("already running with pid %d", pid)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// Release removes the PID file if this process still owns it. A missing
// file is not an error.
func (p *PIDFile) Release() error {
	pid, err := p.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return fmt.Errorf("pid file owned by %d, not removing", pid)
	}
	return os.Remove(p.Path)
}

// Read returns the PID recorded in the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}
