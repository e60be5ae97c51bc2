package cmdutil

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPIDAlive(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPIDAlive(os.Getpid()))
	assert.False(t, IsPIDAlive(0))
	assert.False(t, IsPIDAlive(-1))
	// Near the top of the default pid space, so almost certainly dead.
	assert.False(t, IsPIDAlive(4_000_000))
}

func TestStopDetachedOnDeadProcess(t *testing.T) {
	t.Parallel()

	res := StopDetached(4_000_000)
	assert.False(t, res.Stopped)
	assert.False(t, res.WasRunning)
}

func TestStopDetachedTerminatesChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("detached process groups are unix-only")
	}
	t.Parallel()

	cmd := exec.Command("sleep", "60")
	SetupDetached(cmd)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Process.Release())

	require.True(t, IsPIDAlive(pid))
	res := StopDetached(pid)
	assert.True(t, res.WasRunning)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && IsPIDAlive(pid) {
		time.Sleep(25 * time.Millisecond)
	}
	assert.False(t, IsPIDAlive(pid))
}
