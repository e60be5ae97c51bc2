package frontend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useorgx/orgx-local/internal/agentctx"
	"github.com/useorgx/orgx-local/internal/autocontinue"
	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/config"
	"github.com/useorgx/orgx-local/internal/dispatch"
	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/graph"
	"github.com/useorgx/orgx-local/internal/hub"
	"github.com/useorgx/orgx-local/internal/mediator"
	"github.com/useorgx/orgx-local/internal/nextup"
	"github.com/useorgx/orgx-local/internal/outbox"
)

type stubCloud struct {
	err         error
	lists       map[string][]entity.Record
	guard       cloud.SpawnGuardResult
	guardErr    error
	plan        string
	statusCalls []string
	emitted     []cloud.ActivityEvent
	live        string
}

func (s *stubCloud) listOr(items []entity.Record) ([]entity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if items == nil {
		items = []entity.Record{}
	}
	return items, nil
}

func (s *stubCloud) ListEntities(_ context.Context, typ, _ string, _ int) ([]entity.Record, error) {
	return s.listOr(s.lists[typ])
}

func (s *stubCloud) ListSessions(context.Context, cloud.Filter) ([]entity.Record, error) {
	return s.listOr(s.lists["session"])
}

func (s *stubCloud) ListActivity(context.Context, cloud.Filter) ([]entity.Record, error) {
	return s.listOr(s.lists["activity"])
}

func (s *stubCloud) ListAgents(context.Context) ([]entity.Record, error) {
	return s.listOr(s.lists["agent"])
}

func (s *stubCloud) ListLiveAgents(context.Context, string) ([]entity.Record, error) {
	return s.listOr(s.lists["live"])
}

func (s *stubCloud) ListInitiatives(context.Context) ([]entity.Record, error) {
	return s.listOr(s.lists["initiative"])
}

func (s *stubCloud) ListDecisions(context.Context, cloud.Filter) ([]entity.Record, error) {
	return s.listOr(nil)
}

func (s *stubCloud) ListHandoffs(context.Context, cloud.Filter) ([]entity.Record, error) {
	return s.listOr(nil)
}

func (s *stubCloud) GetDashboard(context.Context) (entity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	return entity.Record{"initiatives": []any{}}, nil
}

func (s *stubCloud) GetPlan(context.Context) (string, error) {
	if s.plan == "" {
		return "pro", nil
	}
	return s.plan, nil
}

func (s *stubCloud) CreateEntity(_ context.Context, typ string, payload map[string]any) (entity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec := entity.Record{"id": "new-1", "type": typ}
	for k, v := range payload {
		rec[k] = v
	}
	return rec, nil
}

func (s *stubCloud) UpdateEntity(_ context.Context, typ, id string, patch map[string]any) (entity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec := entity.Record{"id": id, "type": typ}
	for k, v := range patch {
		rec[k] = v
	}
	return rec, nil
}

func (s *stubCloud) UpdateEntityStatus(_ context.Context, typ, id, status string) error {
	if s.err != nil {
		return s.err
	}
	s.statusCalls = append(s.statusCalls, fmt.Sprintf("%s:%s:%s", typ, id, status))
	return nil
}

func (s *stubCloud) ApplyChangeset(context.Context, []cloud.Change, string) error { return s.err }

func (s *stubCloud) EmitActivity(_ context.Context, event cloud.ActivityEvent) error {
	if s.err != nil {
		return s.err
	}
	s.emitted = append(s.emitted, event)
	return nil
}

func (s *stubCloud) RequestDecision(context.Context, cloud.DecisionRequest) error { return nil }

func (s *stubCloud) CheckSpawnGuard(context.Context, string, string) (cloud.SpawnGuardResult, error) {
	if s.guardErr != nil {
		return cloud.SpawnGuardResult{}, s.guardErr
	}
	if s.guard.Allowed || s.guard.BlockedReason != "" || s.guard.Checks.RateLimit != nil {
		return s.guard, nil
	}
	return cloud.SpawnGuardResult{Allowed: true}, nil
}

func (s *stubCloud) StreamLive(context.Context) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.live)), nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Server: config.Server{
			Host:              "127.0.0.1",
			Port:              0,
			BodyLimit:         1 << 20,
			BodyReadTimeout:   2 * time.Second,
			StreamIdleTimeout: 200 * time.Millisecond,
		},
		Paths: config.Paths{
			DataDir:   dir + "/data",
			AgentHome: dir + "/home",
		},
		Budget: config.Budget{
			TokensPerHour: 100_000,
			Contingency:   1.2,
			GPTShare:      0.5,
			OpusShare:     0.5,
			InputShare:    0.7,
			CachedShare:   0.5,
			GPTInput:      1.25, GPTCachedInput: 0.125, GPTOutput: 10,
			OpusInput: 15, OpusCachedInput: 1.5, OpusOutput: 75,
			RoundStep: 5,
		},
		AutoContinue: config.AutoContinue{
			TickInterval:       2500 * time.Millisecond,
			DefaultBudgetHours: 8,
		},
		Hub: config.Hub{
			KeepaliveInterval: 25 * time.Millisecond,
			SweepInterval:     50 * time.Millisecond,
			StaleAfter:        time.Minute,
			MaxClients:        16,
		},
		HookToken:   "hook-secret",
		AgentBinary: "openclaw",
	}
}

type harness struct {
	srv   *Server
	cloud *stubCloud
	cfg   config.Config
}

func newHarness(t *testing.T, client *stubCloud) *harness {
	t.Helper()
	cfg := testConfig(t)
	require.NoError(t, cfg.Paths.EnsureDataDir())

	ob, err := outbox.New(cfg.Paths.OutboxDir())
	require.NoError(t, err)
	contexts := agentctx.New(cfg.Paths.AgentContextsFile())
	med := mediator.New(client, ob, contexts, cfg.Paths.AgentsDir())
	builder := graph.NewBuilder(med, cfg.Budget)

	registry := hub.NewRegistry(cfg.Hub.StaleAfter)
	reg := prometheus.NewRegistry()
	metrics := hub.NewMetrics(reg)
	events := hub.New(hub.Config{
		KeepaliveInterval: cfg.Hub.KeepaliveInterval,
		SweepInterval:     cfg.Hub.SweepInterval,
		MaxClients:        cfg.Hub.MaxClients,
	}, registry, metrics)

	engine := dispatch.New(med, contexts, events, cfg.AgentBinary,
		dispatch.WithSpawn(func(string, []string) (int, error) { return 4242, nil }))
	sched := autocontinue.New(cfg, builder, engine, med, contexts, events)
	pins := nextup.NewPinStore(cfg.Paths.PinsFile())
	ranker := nextup.NewRanker(builder, med, pins, sched, contexts, cfg.Paths.AgentsDir())

	srv := NewServer(Deps{
		Config:    cfg,
		Mediator:  med,
		Builder:   builder,
		Ranker:    ranker,
		Pins:      pins,
		Engine:    engine,
		Scheduler: sched,
		Registry:  registry,
		Hub:       events,
		Metrics:   metrics,
		Gatherer:  reg,
		Version:   "test",
	})
	return &harness{srv: srv, cloud: client, cfg: cfg}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func launchLists() map[string][]entity.Record {
	return map[string][]entity.Record{
		"initiative": {
			{"id": "init-1", "title": "Initiative", "status": "active"},
		},
		"workstream": {
			{"id": "ws-1", "title": "Backend", "status": "active", "initiative_id": "init-1"},
		},
		"task": {
			{"id": "task-1", "title": "Implement API pagination", "status": "todo",
				"workstream_id": "ws-1", "initiative_id": "init-1"},
		},
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{})

	rec := h.do(t, http.MethodGet, "/orgx/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestLoopbackGuard(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{})

	req := httptest.NewRequest(http.MethodGet, "/orgx/api/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodOptions, "/orgx/api/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Contains(t, []int{http.StatusNoContent, http.StatusOK}, rec.Code)
}

func TestDegradedReadsStillSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{err: errors.New("cloud down")})

	rec := h.do(t, http.MethodGet, "/orgx/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["degraded"])
	assert.Equal(t, true, body["localFallback"])
	assert.NotNil(t, body["items"])
}

func TestEntitiesRejectUnknownType(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{})

	rec := h.do(t, http.MethodGet, "/orgx/api/entities?type=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEntityStatusPatchGoesThroughMediator(t *testing.T) {
	t.Parallel()
	client := &stubCloud{}
	h := newHarness(t, client)

	rec := h.do(t, http.MethodPatch, "/orgx/api/entities/task/task-1", map[string]any{"status": "done"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, client.statusCalls, "task:task-1:done")
}

func TestGraphRequiresInitiative(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{})

	rec := h.do(t, http.MethodGet, "/orgx/api/mission-control/graph", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraphReturnsProjection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{lists: launchLists()})

	rec := h.do(t, http.MethodGet, "/orgx/api/mission-control/graph?initiative_id=init-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, true, body["ok"])
	g, ok := body["graph"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, g["initiative"])
}

func TestLaunchStatusMapping(t *testing.T) {
	t.Parallel()

	t.Run("happy path is accepted", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &stubCloud{lists: launchLists()})
		rec := h.do(t, http.MethodPost, "/orgx/api/agents/launch", map[string]any{
			"agentId": "main", "initiativeId": "init-1", "taskId": "task-1",
			"message": "go",
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		body := decodeMap(t, rec)
		assert.Equal(t, float64(4242), body["pid"])
		assert.NotEmpty(t, body["runId"])
	})

	t.Run("invalid agent id", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &stubCloud{})
		rec := h.do(t, http.MethodPost, "/orgx/api/agents/launch", map[string]any{
			"agentId": "bad agent!",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("hard guard block", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &stubCloud{lists: launchLists(), guard: cloud.SpawnGuardResult{
			Allowed: false, BlockedReason: "concurrency cap",
		}})
		rec := h.do(t, http.MethodPost, "/orgx/api/agents/launch", map[string]any{
			"agentId": "main", "initiativeId": "init-1", "taskId": "task-1",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("rate limited guard block", func(t *testing.T) {
		t.Parallel()
		failed := false
		h := newHarness(t, &stubCloud{lists: launchLists(), guard: cloud.SpawnGuardResult{
			Allowed:       false,
			BlockedReason: "too many spawns",
			Checks:        cloud.SpawnGuardChecks{RateLimit: &cloud.GuardCheck{Passed: &failed}},
		}})
		rec := h.do(t, http.MethodPost, "/orgx/api/agents/launch", map[string]any{
			"agentId": "main", "initiativeId": "init-1", "taskId": "task-1",
		})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("free plan blocks BYOK models", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &stubCloud{plan: "free"})
		rec := h.do(t, http.MethodPost, "/orgx/api/agents/launch", map[string]any{
			"agentId": "main", "model": "openrouter/deepseek-v3",
		})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})
}

func TestStopUnknownRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{})

	rec := h.do(t, http.MethodPost, "/orgx/api/agents/stop", map[string]any{"runId": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/orgx/api/agents/stop", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutoContinueLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{lists: launchLists()})

	rec := h.do(t, http.MethodGet, "/orgx/api/mission-control/auto-continue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	defaults, ok := body["defaults"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2500), defaults["tickMs"])

	rec = h.do(t, http.MethodPost, "/orgx/api/mission-control/auto-continue/start", map[string]any{
		"initiativeId": "init-1", "tokenBudget": 10_000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/orgx/api/mission-control/auto-continue/status?initiative_id=init-1", nil)
	body = decodeMap(t, rec)
	run, ok := body["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "running", run["state"])

	rec = h.do(t, http.MethodPost, "/orgx/api/mission-control/auto-continue/stop", map[string]any{
		"initiativeId": "init-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/orgx/api/mission-control/auto-continue/stop", map[string]any{
		"initiativeId": "init-missing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNextUpAndPins(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{lists: launchLists()})

	rec := h.do(t, http.MethodGet, "/orgx/api/mission-control/next-up", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, true, body["ok"])

	rec = h.do(t, http.MethodPost, "/orgx/api/mission-control/next-up/pin", map[string]any{
		"initiativeId": "init-1", "workstreamId": "ws-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeMap(t, rec)
	pins, ok := body["pins"].([]any)
	require.True(t, ok)
	assert.Len(t, pins, 1)

	rec = h.do(t, http.MethodPost, "/orgx/api/mission-control/next-up/unpin", map[string]any{
		"initiativeId": "init-1", "workstreamId": "ws-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeMap(t, rec)
	assert.Empty(t, body["pins"])
}

func TestNextUpPlayDispatchesTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{lists: launchLists()})

	rec := h.do(t, http.MethodPost, "/orgx/api/mission-control/next-up/play", map[string]any{
		"initiativeId": "init-1", "workstreamId": "ws-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeMap(t, rec)
	assert.Equal(t, "task", body["dispatchMode"])
	assert.NotEmpty(t, body["sessionId"])
	run, ok := body["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "running", run["state"])
}

func TestRuntimeHookAuthAndIngress(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{})

	rec := h.do(t, http.MethodPost, "/orgx/api/hooks/runtime", map[string]any{
		"source_client": "openclaw", "event": "heartbeat", "run_id": "run-1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/orgx/api/hooks/runtime",
		strings.NewReader(`{"source_client":"openclaw","event":"heartbeat","run_id":"run-1"}`))
	req.Header.Set("X-OrgX-Hook-Token", "hook-secret")
	out := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code, out.Body.String())
	body := decodeMap(t, out)
	assert.Equal(t, "openclaw:run-1", body["instance_id"])
	assert.Equal(t, "running", body["state"])

	inst, ok := h.srv.deps.Registry.Get("openclaw:run-1")
	require.True(t, ok)
	assert.Equal(t, hub.StateRunning, inst.State)
}

func TestRuntimeHookForwardsErrorsToActivity(t *testing.T) {
	t.Parallel()
	client := &stubCloud{}
	h := newHarness(t, client)

	req := httptest.NewRequest(http.MethodPost, "/orgx/api/hooks/runtime",
		strings.NewReader(`{"source_client":"openclaw","event":"error","run_id":"run-2","message":"boom"}`))
	req.Header.Set("X-OrgX-Hook-Token", "hook-secret")
	out := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	require.Len(t, client.emitted, 1)
	assert.Equal(t, "agent_error", client.emitted[0].Kind)
	assert.Equal(t, "error", client.emitted[0].Level)
	assert.Equal(t, "boom", client.emitted[0].Message)
}

func TestRuntimeStreamDeliversEventsAndKeepalives(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{})
	h.srv.deps.Registry.Apply(hub.HookPayload{
		SourceClient: "openclaw", Event: "heartbeat", RunID: "run-1",
	})

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/orgx/api/hooks/runtime/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var sawSnapshot, sawPing bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: runtime.updated") {
			sawSnapshot = true
		}
		if strings.HasPrefix(line, ": ping ") {
			sawPing = true
		}
		if sawSnapshot && sawPing {
			break
		}
	}
	assert.True(t, sawSnapshot, "expected the instance snapshot frame")
	assert.True(t, sawPing, "expected a keepalive comment")
}

func TestLiveStreamProxiesUpstream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{live: "data: {\"tick\":1}\n\n"})

	rec := h.do(t, http.MethodGet, "/orgx/api/live/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `{"tick":1}`)
}

func TestLiveStreamUpstreamFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &stubCloud{err: errors.New("cloud down")})

	rec := h.do(t, http.MethodGet, "/orgx/api/live/stream", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
