// Package cmdutil manages detached child processes for the agent runtime.
//
// Children are launched in their own process group (session on Unix) so
// their lifetime is not bound to the control plane's. The only portability
// surface is IsPIDAlive and StopDetached.
package cmdutil

import (
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// StopResult reports the outcome of stopping a detached process.
type StopResult struct {
	Stopped    bool `json:"stopped"`
	WasRunning bool `json:"wasRunning"`
}

// termGrace is how long a process gets to exit after SIGTERM before SIGKILL.
const termGrace = 450 * time.Millisecond

// SetupDetached configures cmd to run detached from the control plane:
// its own process group, no inherited stdio.
func SetupDetached(cmd *exec.Cmd) {
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	setupDetached(cmd)
}

// IsPIDAlive reports whether the process with the given PID is still
// running. An exited child we have not reaped yet counts as dead.
func IsPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	reap(pid)
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if statuses, err := proc.Status(); err == nil {
		for _, s := range statuses {
			if s == process.Zombie {
				return false
			}
		}
		return true
	}
	if exists, err := process.PidExists(int32(pid)); err == nil {
		return exists
	}
	return signalZero(pid)
}

// StopDetached terminates a detached process: TERM to the process group
// (falling back to the PID itself), a short grace period, then KILL.
func StopDetached(pid int) StopResult {
	if !IsPIDAlive(pid) {
		return StopResult{Stopped: false, WasRunning: false}
	}

	terminate(pid)

	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		if !IsPIDAlive(pid) {
			return StopResult{Stopped: true, WasRunning: true}
		}
		time.Sleep(25 * time.Millisecond)
	}

	kill(pid)
	reap(pid)
	return StopResult{Stopped: !IsPIDAlive(pid), WasRunning: true}
}
