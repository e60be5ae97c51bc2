package agentctx

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickingClock() func() time.Time {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent-contexts.json")
	store := New(path, WithClock(tickingClock()))

	require.NoError(t, store.PutAgent(LaunchContext{AgentID: "main", InitiativeID: "init-1"}))
	require.NoError(t, store.PutRun(RunContext{RunID: "r1", AgentID: "main", PID: 1234}))

	lc, ok := store.Agent("main")
	require.True(t, ok)
	assert.Equal(t, "init-1", lc.InitiativeID)
	assert.NotEmpty(t, lc.UpdatedAt)

	rc, ok := store.Run("r1")
	require.True(t, ok)
	assert.Equal(t, 1234, rc.PID)

	_, ok = store.Agent("other")
	assert.False(t, ok)
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent-contexts.json")

	store := New(path, WithClock(tickingClock()))
	require.NoError(t, store.PutAgent(LaunchContext{AgentID: "main", Domain: "engineering"}))
	require.NoError(t, store.PutRun(RunContext{RunID: "r1", AgentID: "main"}))

	// File exists with owner-only permissions.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reloaded := New(path)
	lc, ok := reloaded.Agent("main")
	require.True(t, ok)
	assert.Equal(t, "engineering", lc.Domain)
	_, ok = reloaded.Run("r1")
	assert.True(t, ok)
}

func TestCorruptFileIgnored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent-contexts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	store := New(path)
	_, ok := store.Agent("main")
	assert.False(t, ok)
	require.NoError(t, store.PutAgent(LaunchContext{AgentID: "main"}))
}

func TestLRUEviction(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent-contexts.json")
	store := New(path, WithClock(tickingClock()))

	for i := 0; i < maxAgents+10; i++ {
		require.NoError(t, store.PutAgent(LaunchContext{AgentID: fmt.Sprintf("agent-%03d", i)}))
	}

	// The ten oldest are gone; the newest survive.
	_, ok := store.Agent("agent-000")
	assert.False(t, ok)
	_, ok = store.Agent("agent-009")
	assert.False(t, ok)
	_, ok = store.Agent("agent-010")
	assert.True(t, ok)
	_, ok = store.Agent(fmt.Sprintf("agent-%03d", maxAgents+9))
	assert.True(t, ok)
}

func TestRunsNewestFirst(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent-contexts.json")
	store := New(path, WithClock(tickingClock()))

	require.NoError(t, store.PutRun(RunContext{RunID: "old"}))
	require.NoError(t, store.PutRun(RunContext{RunID: "new"}))

	runs := store.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
}
