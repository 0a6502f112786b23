package watch

import (
	"fmt"
	"os"
	"os/exec"
)

// ProcessSpec describes a function process to spawn.
type ProcessSpec struct {
	FunctionName string
	BinaryPath   string
	Dir          string
	Env          []string
}

// ExitStatus reports how a process ended.
type ExitStatus struct {
	Code int
	Err  error
}

// Handle is a live function process. The ProcessSupervisor is the only
// owner of handles; other components never touch one.
type Handle interface {
	PID() int
	// Terminate sends the graceful termination signal.
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
	// Done is closed with the exit status when the process ends.
	Done() <-chan ExitStatus
}

// Launcher spawns function processes. It exists so tests can substitute
// the OS process primitives.
type Launcher interface {
	Start(spec ProcessSpec) (Handle, error)
}

// ExecLauncher spawns real OS processes with os/exec. Children run in
// their own process group so termination signals reach any grandchildren.
type ExecLauncher struct {
	Stdout *os.File
	Stderr *os.File
}

func (l *ExecLauncher) Start(spec ProcessSpec) (Handle, error) {
	cmd := exec.Command(spec.BinaryPath)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdout, stderr := l.Stdout, l.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.BinaryPath, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan ExitStatus, 1)}
	go func() {
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		h.done <- ExitStatus{Code: code, Err: err}
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan ExitStatus
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Terminate() error {
	return terminateProcessGroup(h.cmd.Process.Pid)
}

func (h *execHandle) Kill() error {
	return killProcessGroup(h.cmd.Process.Pid)
}

func (h *execHandle) Done() <-chan ExitStatus { return h.done }
