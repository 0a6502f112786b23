//go:build windows

package watch

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// Windows has no POSIX signals; graceful termination degrades to Kill.
func terminateProcessGroup(pid int) error {
	return signalPID(pid, os.Kill)
}

func killProcessGroup(pid int) error {
	return signalPID(pid, os.Kill)
}

func signalPID(pid int, sig os.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}
