//go:build !windows

package cmdutil

import (
	"os/exec"
	"syscall"
)

// setupDetached puts the child in its own session so signals to the control
// plane's group do not reach it, and the whole agent process tree can be
// signalled as one group via the negated PID.
func setupDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}

// signalZero probes liveness with the null signal.
func signalZero(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// terminate sends SIGTERM to the process group, falling back to the PID.
func terminate(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}

// kill sends SIGKILL to the process group, falling back to the PID.
func kill(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// reap collects the exit status of a released child so it does not linger
// as a zombie. Harmless for processes we did not spawn.
func reap(pid int) {
	var status syscall.WaitStatus
	_, _ = syscall.Wait4(pid, &status, syscall.WNOHANG, nil)
}
