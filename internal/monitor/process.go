package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ProcessChecker answers whether a pid still names a live process.
type ProcessChecker interface {
	IsProcessAlive(pid int) bool
}

// SystemProcessChecker probes the OS with signal 0, which checks existence
// and permissions without delivering anything. Zombies count as dead.
type SystemProcessChecker struct{}

func (SystemProcessChecker) IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}

	// /proc only exists on Linux; elsewhere the signal probe is all we have
	stat, readErr := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if readErr != nil {
		return true
	}
	// Format: pid (comm) state ...; comm may contain spaces or parens
	if idx := bytes.LastIndexByte(stat, ')'); idx >= 0 && idx+2 < len(stat) {
		return stat[idx+2] != 'Z'
	}
	return true
}

// KillProcessGroup sends SIGKILL to the process group led by pid so child
// processes spawned by the agent die with it.
func KillProcessGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Not a group leader; fall back to the single process
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}
