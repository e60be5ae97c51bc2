package mediator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useorgx/orgx-local/internal/agentctx"
	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/outbox"
)

var errDown = errors.New("connection refused")

// stubClient is a cloud.Client whose every method returns canned data or
// the configured error.
type stubClient struct {
	err      error
	entities map[string][]entity.Record
	sessions []entity.Record
	activity []entity.Record

	statusErr   error
	statusCalls []string

	emitted []cloud.ActivityEvent
	emitErr error
}

func (s *stubClient) ListEntities(_ context.Context, typ, _ string, _ int) ([]entity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.entities[typ], nil
}

func (s *stubClient) ListSessions(context.Context, cloud.Filter) ([]entity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.sessions, nil
}

func (s *stubClient) ListActivity(context.Context, cloud.Filter) ([]entity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.activity, nil
}

func (s *stubClient) ListAgents(context.Context) ([]entity.Record, error) {
	return nil, s.err
}

func (s *stubClient) ListLiveAgents(context.Context, string) ([]entity.Record, error) {
	return nil, s.err
}

func (s *stubClient) ListInitiatives(context.Context) ([]entity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.entities[entity.TypeInitiative], nil
}

func (s *stubClient) ListDecisions(context.Context, cloud.Filter) ([]entity.Record, error) {
	return nil, s.err
}

func (s *stubClient) ListHandoffs(context.Context, cloud.Filter) ([]entity.Record, error) {
	return nil, s.err
}

func (s *stubClient) GetDashboard(context.Context) (entity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return entity.Record{"ok": true}, nil
}

func (s *stubClient) GetPlan(context.Context) (string, error) { return "pro", s.err }

func (s *stubClient) CreateEntity(context.Context, string, map[string]any) (entity.Record, error) {
	return nil, s.err
}

func (s *stubClient) UpdateEntity(context.Context, string, string, map[string]any) (entity.Record, error) {
	return nil, s.err
}

func (s *stubClient) UpdateEntityStatus(_ context.Context, typ, id, status string) error {
	s.statusCalls = append(s.statusCalls, typ+":"+id+":"+status)
	return s.statusErr
}

func (s *stubClient) ApplyChangeset(context.Context, []cloud.Change, string) error { return s.err }

func (s *stubClient) EmitActivity(_ context.Context, ev cloud.ActivityEvent) error {
	if s.emitErr != nil {
		return s.emitErr
	}
	s.emitted = append(s.emitted, ev)
	return nil
}

func (s *stubClient) RequestDecision(context.Context, cloud.DecisionRequest) error { return s.err }

func (s *stubClient) CheckSpawnGuard(context.Context, string, string) (cloud.SpawnGuardResult, error) {
	return cloud.SpawnGuardResult{Allowed: true}, s.err
}

func (s *stubClient) StreamLive(context.Context) (io.ReadCloser, error) { return nil, s.err }

func newMediator(t *testing.T, client cloud.Client) *Mediator {
	t.Helper()
	dir := t.TempDir()
	ob, err := outbox.New(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	contexts := agentctx.New(filepath.Join(dir, "agent-contexts.json"))
	return New(client, ob, contexts, filepath.Join(dir, "agents"))
}

func TestFallbackReadIncludesOverrideRow(t *testing.T) {
	t.Parallel()
	client := &stubClient{statusErr: cloud.ErrUnauthorized}
	m := newMediator(t, client)

	// An unauthorized initiative write installs a local override and
	// reports synthetic success.
	res := m.SetStatus(context.Background(), entity.TypeInitiative, "init-42", "archived")
	assert.True(t, res.OK)
	assert.True(t, res.LocalFallback)

	// With the cloud down and an empty outbox, the initiative read
	// synthesizes the override row.
	client.err = errDown
	list := m.Entities(context.Background(), entity.TypeInitiative, cloud.Filter{})
	assert.True(t, list.LocalFallback)
	assert.True(t, list.Degraded)
	assert.Equal(t, errDown.Error(), list.Error)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "init-42", list.Items[0].String("id"))
	assert.Equal(t, "archived", list.Items[0].String("status"))
}

func TestOverrideOverlaysCloudReads(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		statusErr: cloud.ErrUnauthorized,
		entities: map[string][]entity.Record{
			entity.TypeInitiative: {{"id": "init-42", "status": "active"}},
		},
	}
	m := newMediator(t, client)
	m.SetStatus(context.Background(), entity.TypeInitiative, "init-42", "paused")

	list := m.Initiatives(context.Background())
	require.Len(t, list.Items, 1)
	assert.Equal(t, "paused", list.Items[0].String("status"))
	assert.False(t, list.Degraded)
}

func TestSuccessfulWriteClearsOverride(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		statusErr: cloud.ErrUnauthorized,
		entities: map[string][]entity.Record{
			entity.TypeInitiative: {{"id": "init-42", "status": "active"}},
		},
	}
	m := newMediator(t, client)
	m.SetStatus(context.Background(), entity.TypeInitiative, "init-42", "paused")

	client.statusErr = nil
	res := m.SetStatus(context.Background(), entity.TypeInitiative, "init-42", "active")
	assert.True(t, res.OK)
	assert.False(t, res.LocalFallback)

	list := m.Initiatives(context.Background())
	require.Len(t, list.Items, 1)
	assert.Equal(t, "active", list.Items[0].String("status"))
}

func TestUnauthorizedTaskWriteIsNotOverridden(t *testing.T) {
	t.Parallel()
	client := &stubClient{statusErr: cloud.ErrUnauthorized}
	m := newMediator(t, client)

	res := m.SetStatus(context.Background(), entity.TypeTask, "task-1", "done")
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestEmitParksInOutboxOnFailure(t *testing.T) {
	t.Parallel()
	client := &stubClient{emitErr: errDown}
	m := newMediator(t, client)

	ev := cloud.ActivityEvent{
		ID:           "e1",
		Kind:         "execution_started",
		InitiativeID: "init-1",
		Timestamp:    "2025-01-01T00:00:00Z",
	}
	require.NoError(t, m.Emit(context.Background(), ev))

	items, err := m.outbox.Read("init-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "e1", items[0].ID)
}

func TestActivityMergesOutboxNewerThanCutoff(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		activity: []entity.Record{
			{"id": "cloud-1", "timestamp": "2025-01-01T00:00:00Z"},
		},
	}
	m := newMediator(t, client)

	require.NoError(t, m.outbox.Append(cloud.ActivityEvent{
		ID: "local-old", Kind: "x", InitiativeID: "init-1", Timestamp: "2024-12-31T00:00:00Z",
	}))
	require.NoError(t, m.outbox.Append(cloud.ActivityEvent{
		ID: "local-new", Kind: "x", InitiativeID: "init-1", Timestamp: "2025-01-02T00:00:00Z",
	}))
	// Duplicate of a cloud id, newer than the cutoff: must be dropped.
	require.NoError(t, m.outbox.Append(cloud.ActivityEvent{
		ID: "cloud-1", Kind: "x", InitiativeID: "init-1", Timestamp: "2025-01-03T00:00:00Z",
	}))

	res := m.Activity(context.Background(), cloud.Filter{InitiativeID: "init-1"})
	require.Len(t, res.Items, 2)
	assert.Equal(t, "local-new", res.Items[0].String("id"))
	assert.Equal(t, "cloud-1", res.Items[1].String("id"))
	assert.False(t, res.Degraded)
}

func TestActivityFallsBackToOutbox(t *testing.T) {
	t.Parallel()
	client := &stubClient{err: errDown}
	m := newMediator(t, client)

	require.NoError(t, m.outbox.Append(cloud.ActivityEvent{
		ID: "e1", Kind: "execution_started", InitiativeID: "init-1", Timestamp: "2025-01-01T00:00:00Z",
	}))

	res := m.Activity(context.Background(), cloud.Filter{InitiativeID: "init-1"})
	assert.True(t, res.LocalFallback)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "e1", res.Items[0].String("id"))
	assert.Equal(t, "outbox", res.Items[0].String("source"))
}

func TestSessionsFallBackToTranscriptSnapshot(t *testing.T) {
	t.Parallel()
	client := &stubClient{err: errDown}
	dir := t.TempDir()
	ob, err := outbox.New(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	contexts := agentctx.New(filepath.Join(dir, "agent-contexts.json"))
	agentsDir := filepath.Join(dir, "agents")
	m := New(client, ob, contexts, agentsDir)

	sessions := filepath.Join(agentsDir, "main", "sessions")
	require.NoError(t, os.MkdirAll(sessions, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sessions, "s1.jsonl"), []byte("{}\n"), 0600))
	require.NoError(t, contexts.PutRun(agentctx.RunContext{
		RunID: "r1", AgentID: "main", SessionID: "s1", InitiativeID: "init-1", WorkstreamID: "ws-1",
	}))

	res := m.Sessions(context.Background(), cloud.Filter{IncludeIdle: true})
	assert.True(t, res.LocalFallback)
	require.Len(t, res.Items, 1)
	rec := res.Items[0]
	assert.Equal(t, "s1", rec.String("id"))
	assert.Equal(t, "main", rec.String("agent_id"))
	assert.Equal(t, "r1", rec.String("run_id"))
	// Enrichment attached the launch context.
	assert.Equal(t, "init-1", rec.String("initiative_id"))
	meta := rec.Metadata()
	require.NotNil(t, meta)
	octx, ok := meta["orgx_context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ws-1", octx["workstreamId"])
}

func TestTranscriptSessionsSplitRunningAndIdle(t *testing.T) {
	t.Parallel()
	client := &stubClient{err: errDown}
	dir := t.TempDir()
	ob, err := outbox.New(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	contexts := agentctx.New(filepath.Join(dir, "agent-contexts.json"))
	agentsDir := filepath.Join(dir, "agents")
	m := New(client, ob, contexts, agentsDir)

	sessions := filepath.Join(agentsDir, "main", "sessions")
	require.NoError(t, os.MkdirAll(sessions, 0755))
	fresh := filepath.Join(sessions, "fresh.jsonl")
	stale := filepath.Join(sessions, "stale.jsonl")
	require.NoError(t, os.WriteFile(fresh, []byte("{}\n"), 0600))
	require.NoError(t, os.WriteFile(stale, []byte("{}\n"), 0600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	res := m.Sessions(context.Background(), cloud.Filter{IncludeIdle: true})
	require.Len(t, res.Items, 2)
	byID := map[string]entity.Record{}
	for _, rec := range res.Items {
		byID[rec.String("id")] = rec
	}
	assert.Equal(t, "running", byID["fresh"].String("status"))
	assert.Equal(t, "idle", byID["stale"].String("status"))

	// updated_at is serialized, so the since filter applies to it.
	at, err := time.Parse(time.RFC3339, byID["stale"].String("updated_at"))
	require.NoError(t, err)
	assert.WithinDuration(t, old, at, 2*time.Second)

	res = m.Sessions(context.Background(), cloud.Filter{
		IncludeIdle: true,
		Since:       time.Now().Add(-10 * time.Minute),
	})
	require.Len(t, res.Items, 1)
	assert.Equal(t, "fresh", res.Items[0].String("id"))
}

func TestSessionFilterByInitiative(t *testing.T) {
	t.Parallel()
	client := &stubClient{err: errDown}
	dir := t.TempDir()
	ob, err := outbox.New(filepath.Join(dir, "outbox"))
	require.NoError(t, err)
	contexts := agentctx.New(filepath.Join(dir, "agent-contexts.json"))
	agentsDir := filepath.Join(dir, "agents")
	m := New(client, ob, contexts, agentsDir)

	for _, s := range []struct{ agent, session, initiative string }{
		{"main", "s1", "init-1"},
		{"side", "s2", "init-2"},
	} {
		sessions := filepath.Join(agentsDir, s.agent, "sessions")
		require.NoError(t, os.MkdirAll(sessions, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(sessions, s.session+".jsonl"), []byte("{}\n"), 0600))
		require.NoError(t, contexts.PutRun(agentctx.RunContext{
			RunID: "run-" + s.session, AgentID: s.agent, SessionID: s.session, InitiativeID: s.initiative,
		}))
	}

	res := m.Sessions(context.Background(), cloud.Filter{InitiativeID: "init-2", IncludeIdle: true})
	require.Len(t, res.Items, 1)
	assert.Equal(t, "s2", res.Items[0].String("id"))
}

func TestDashboardFallsBackToLocalComposition(t *testing.T) {
	t.Parallel()
	client := &stubClient{err: errDown, statusErr: cloud.ErrUnauthorized}
	m := newMediator(t, client)
	m.SetStatus(context.Background(), entity.TypeInitiative, "init-1", "archived")

	bundle, res := m.Dashboard(context.Background())
	assert.True(t, res.Degraded)
	assert.Equal(t, true, bundle["localFallback"])
	initiatives, ok := bundle["initiatives"].([]any)
	require.True(t, ok)
	require.Len(t, initiatives, 1)
}

func TestDecisionsDegradeToEmpty(t *testing.T) {
	t.Parallel()
	m := newMediator(t, &stubClient{err: errDown})

	res := m.Decisions(context.Background(), cloud.Filter{})
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Items)
	assert.NotNil(t, res.Items)
}
