package process

import (
	"errors"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// Alive reports whether pid names a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid)) //nolint:gosec // Linux pids fit in int32
	if err != nil || !exists {
		return false
	}

	p, err := process.NewProcess(int32(pid)) //nolint:gosec // Linux pids fit in int32
	if err != nil {
		return false
	}
	states, err := p.Status()
	if err != nil {
		// Fall back to a signal probe; EPERM still means the pid exists.
		err := syscall.Kill(pid, 0)
		return err == nil || errors.Is(err, syscall.EPERM)
	}
	for _, s := range states {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
