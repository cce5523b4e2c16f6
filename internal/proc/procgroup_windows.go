//go:build windows

package proc

import (
	"os"
	"os/exec"
	"time"
)

// setProcGroup is a no-op on Windows beyond the kill/WaitDelay wiring;
// process groups are not used, so cancellation kills only the direct child.
func setProcGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 3 * time.Second
}

// signalName always returns "" on Windows; termination surfaces as the
// platform exit code instead.
func signalName(exitErr *exec.ExitError) string {
	return ""
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess opens a handle to the process and fails when no such
	// process exists; the handle is released before returning.
	defer proc.Release()
	return true
}

// Terminate kills the process with the given PID.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	defer proc.Release()
	return proc.Kill()
}
