package nextup

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useorgx/orgx-local/internal/agentctx"
	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/config"
	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/graph"
	"github.com/useorgx/orgx-local/internal/mediator"
	"github.com/useorgx/orgx-local/internal/outbox"
)

// listsClient serves canned entity lists; everything else is a no-op.
type listsClient struct {
	lists map[string][]entity.Record
	live  []entity.Record
}

func (c *listsClient) ListEntities(_ context.Context, typ, _ string, _ int) ([]entity.Record, error) {
	return c.lists[typ], nil
}
func (c *listsClient) ListSessions(context.Context, cloud.Filter) ([]entity.Record, error) {
	return nil, nil
}
func (c *listsClient) ListActivity(context.Context, cloud.Filter) ([]entity.Record, error) {
	return nil, nil
}
func (c *listsClient) ListAgents(context.Context) ([]entity.Record, error) { return nil, nil }
func (c *listsClient) ListLiveAgents(context.Context, string) ([]entity.Record, error) {
	return c.live, nil
}
func (c *listsClient) ListInitiatives(ctx context.Context) ([]entity.Record, error) {
	return c.lists[entity.TypeInitiative], nil
}
func (c *listsClient) ListDecisions(context.Context, cloud.Filter) ([]entity.Record, error) {
	return nil, nil
}
func (c *listsClient) ListHandoffs(context.Context, cloud.Filter) ([]entity.Record, error) {
	return nil, nil
}
func (c *listsClient) GetDashboard(context.Context) (entity.Record, error) { return nil, nil }
func (c *listsClient) GetPlan(context.Context) (string, error)             { return "pro", nil }
func (c *listsClient) CreateEntity(context.Context, string, map[string]any) (entity.Record, error) {
	return nil, nil
}
func (c *listsClient) UpdateEntity(context.Context, string, string, map[string]any) (entity.Record, error) {
	return nil, nil
}
func (c *listsClient) UpdateEntityStatus(context.Context, string, string, string) error { return nil }
func (c *listsClient) ApplyChangeset(context.Context, []cloud.Change, string) error     { return nil }
func (c *listsClient) EmitActivity(context.Context, cloud.ActivityEvent) error          { return nil }
func (c *listsClient) RequestDecision(context.Context, cloud.DecisionRequest) error     { return nil }
func (c *listsClient) CheckSpawnGuard(context.Context, string, string) (cloud.SpawnGuardResult, error) {
	return cloud.SpawnGuardResult{Allowed: true}, nil
}
func (c *listsClient) StreamLive(context.Context) (io.ReadCloser, error) { return nil, nil }

// stubRuns answers RunningFor from a fixed map of initiative to agent.
type stubRuns struct {
	agents map[string]string
}

func (s *stubRuns) RunningFor(initiativeID, _ string) (string, bool) {
	agent, ok := s.agents[initiativeID]
	return agent, ok
}

type fixture struct {
	ranker   *Ranker
	pins     *PinStore
	contexts *agentctx.Store
	dir      string
}

func newFixture(t *testing.T, client *listsClient, runs AutoRuns) *fixture {
	t.Helper()
	dir := t.TempDir()
	budget := config.Budget{TokensPerHour: 1000, Contingency: 1, RoundStep: 5}

	ob, err := outbox.New(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	contexts := agentctx.New(filepath.Join(dir, "agent-contexts.json"))
	med := mediator.New(client, ob, contexts, filepath.Join(dir, "agents"))
	builder := graph.NewBuilder(med, budget)
	pins := NewPinStore(filepath.Join(dir, "next-up-pins.json"))
	return &fixture{
		ranker:   NewRanker(builder, med, pins, runs, contexts, filepath.Join(dir, "agents")),
		pins:     pins,
		contexts: contexts,
		dir:      dir,
	}
}

func baseLists() map[string][]entity.Record {
	return map[string][]entity.Record{
		entity.TypeInitiative: {{"id": "init-1", "status": "active", "title": "Initiative One"}},
		entity.TypeWorkstream: {
			{"id": "ws-1", "initiative_id": "init-1", "status": "active", "title": "Alpha"},
			{"id": "ws-2", "initiative_id": "init-1", "status": "active", "title": "Beta"},
		},
		entity.TypeTask: {
			{"id": "t1", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "todo", "title": "Build", "priority_num": 20.0},
			{"id": "t2", "initiative_id": "init-1", "workstream_id": "ws-2", "status": "todo", "title": "Ship", "priority_num": 40.0},
		},
	}
}

func TestBuildRanksQueuedWorkstreams(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &listsClient{lists: baseLists()}, nil)

	res := f.ranker.Build(context.Background(), "init-1")
	require.True(t, res.OK)
	require.Len(t, res.Items, 2)

	// Both queued and ready; ws-1 wins on task priority.
	assert.Equal(t, "ws-1", res.Items[0].WorkstreamID)
	assert.Equal(t, QueueQueued, res.Items[0].QueueState)
	assert.Equal(t, "t1", res.Items[0].TaskID)
	assert.Equal(t, "main", res.Items[0].RunnerAgentID)
	assert.Equal(t, "default", res.Items[0].RunnerSource)
}

func TestRunningWorkstreamRanksFirst(t *testing.T) {
	t.Parallel()
	runs := &stubRuns{agents: map[string]string{"init-1": "auto"}}
	f := newFixture(t, &listsClient{lists: baseLists()}, runs)

	res := f.ranker.Build(context.Background(), "init-1")
	require.Len(t, res.Items, 2)
	for _, item := range res.Items {
		assert.Equal(t, QueueRunning, item.QueueState)
	}
}

func TestPinnedRankBeatsPriority(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &listsClient{lists: baseLists()}, nil)

	// Pin the lower-priority workstream to the top.
	_, err := f.pins.Pin(Pin{InitiativeID: "init-1", WorkstreamID: "ws-2"})
	require.NoError(t, err)

	res := f.ranker.Build(context.Background(), "init-1")
	require.Len(t, res.Items, 2)
	assert.Equal(t, "ws-2", res.Items[0].WorkstreamID)
	require.NotNil(t, res.Items[0].PinnedRank)
	assert.Equal(t, 0, *res.Items[0].PinnedRank)
	assert.Nil(t, res.Items[1].PinnedRank)
}

func TestPreferredPinnedTaskWinsWhenReady(t *testing.T) {
	t.Parallel()
	lists := baseLists()
	lists[entity.TypeTask] = append(lists[entity.TypeTask],
		entity.Record{"id": "t3", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "todo", "title": "Polish", "priority_num": 90.0})
	f := newFixture(t, &listsClient{lists: lists}, nil)

	_, err := f.pins.Pin(Pin{InitiativeID: "init-1", WorkstreamID: "ws-1", PreferredTaskID: "t3"})
	require.NoError(t, err)

	res := f.ranker.Build(context.Background(), "init-1")
	var ws1 *QueueItem
	for i := range res.Items {
		if res.Items[i].WorkstreamID == "ws-1" {
			ws1 = &res.Items[i]
		}
	}
	require.NotNil(t, ws1)
	assert.Equal(t, "t3", ws1.TaskID)
	assert.Equal(t, QueueQueued, ws1.QueueState)
}

func TestBlockReasonNamesDependencies(t *testing.T) {
	t.Parallel()
	lists := baseLists()
	lists[entity.TypeTask] = []entity.Record{
		{"id": "t1", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "todo",
			"title": "Integrate", "dependency_ids": []any{"d1", "d2", "d3"}},
		{"id": "d1", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "in_progress", "title": "Schema"},
		{"id": "d2", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "in_progress", "title": "Auth"},
		{"id": "d3", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "in_progress", "title": "Infra"},
	}
	lists[entity.TypeWorkstream] = lists[entity.TypeWorkstream][:1]
	f := newFixture(t, &listsClient{lists: lists}, nil)

	res := f.ranker.Build(context.Background(), "init-1")
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, QueueBlocked, item.QueueState)
	// At most two dependencies are named.
	assert.Equal(t, "Waiting on Schema and Auth", item.BlockReason)
}

func TestRunnerAgentPrecedence(t *testing.T) {
	t.Parallel()
	lists := baseLists()
	lists[entity.TypeTask][0]["assigned_agents"] = []any{
		map[string]any{"id": "task-agent", "domain": "engineering"},
	}
	client := &listsClient{
		lists: lists,
		live:  []entity.Record{{"agent_id": "live-agent"}},
	}
	f := newFixture(t, client, nil)

	res := f.ranker.Build(context.Background(), "init-1")
	byWS := map[string]QueueItem{}
	for _, item := range res.Items {
		byWS[item.WorkstreamID] = item
	}

	assert.Equal(t, "task-agent", byWS["ws-1"].RunnerAgentID)
	assert.Equal(t, "assigned", byWS["ws-1"].RunnerSource)
	// ws-2 has no assignees anywhere, so the live agent is used.
	assert.Equal(t, "live-agent", byWS["ws-2"].RunnerAgentID)
	assert.Equal(t, "live", byWS["ws-2"].RunnerSource)
}

func TestFallbackFromTranscripts(t *testing.T) {
	t.Parallel()
	// No entities at all: the graph yields no workstreams.
	client := &listsClient{lists: map[string][]entity.Record{}}
	f := newFixture(t, client, nil)

	sessions := filepath.Join(f.dir, "agents", "main", "sessions")
	require.NoError(t, os.MkdirAll(sessions, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sessions, "s1.jsonl"), []byte("{}\n"), 0600))
	require.NoError(t, f.contexts.PutRun(agentctx.RunContext{
		RunID: "r1", AgentID: "main", SessionID: "s1", InitiativeID: "init-9", WorkstreamID: "ws-9",
	}))

	res := f.ranker.Build(context.Background(), "init-9")
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, "fallback", item.RunnerSource)
	assert.Equal(t, "init-9", item.InitiativeID)
	assert.Equal(t, "ws-9", item.WorkstreamID)
	assert.Equal(t, "main", item.RunnerAgentID)
	assert.Equal(t, QueueIdle, item.QueueState)
}

func TestPinStorePersistence(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "next-up-pins.json")
	s := NewPinStore(path)

	_, err := s.Pin(Pin{InitiativeID: "i1", WorkstreamID: "w1"})
	require.NoError(t, err)
	_, err = s.Pin(Pin{InitiativeID: "i1", WorkstreamID: "w2", PreferredTaskID: "t9"})
	require.NoError(t, err)

	// File is valid JSON with owner-only permissions.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk []Pin
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 2)

	reloaded := NewPinStore(path)
	pins := reloaded.Pins()
	require.Len(t, pins, 2)
	assert.Equal(t, "t9", pins[1].PreferredTaskID)

	rank, ok := reloaded.Rank("i1", "w2")
	require.True(t, ok)
	assert.Equal(t, 1, rank)
}

func TestPinReorderAndUnpin(t *testing.T) {
	t.Parallel()
	s := NewPinStore(filepath.Join(t.TempDir(), "pins.json"))

	_, _ = s.Pin(Pin{InitiativeID: "i1", WorkstreamID: "w1"})
	_, _ = s.Pin(Pin{InitiativeID: "i1", WorkstreamID: "w2"})
	_, _ = s.Pin(Pin{InitiativeID: "i1", WorkstreamID: "w3"})

	pins, err := s.Reorder([]Pin{
		{InitiativeID: "i1", WorkstreamID: "w3"},
		{InitiativeID: "i1", WorkstreamID: "w1"},
	})
	require.NoError(t, err)
	require.Len(t, pins, 3)
	assert.Equal(t, "w3", pins[0].WorkstreamID)
	assert.Equal(t, "w1", pins[1].WorkstreamID)
	// Unlisted pins keep their order at the end.
	assert.Equal(t, "w2", pins[2].WorkstreamID)

	pins, err = s.Unpin("i1", "w1")
	require.NoError(t, err)
	require.Len(t, pins, 2)
	_, ok := s.Rank("i1", "w1")
	assert.False(t, ok)
}
