package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/useorgx/orgx-local/internal/agentctx"
	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/cmn/cmdutil"
	"github.com/useorgx/orgx-local/internal/cmn/logger"
	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/graph"
	"github.com/useorgx/orgx-local/internal/hub"
	"github.com/useorgx/orgx-local/internal/mediator"
)

// Result codes for refused dispatches.
const (
	CodeInvalidAgentID  = "invalid_agent_id"
	CodeUpgradeRequired = "upgrade_required"
	CodeSpawnGuardBlock = "spawn_guard_blocked"
	CodeSpawnGuardRate  = "spawn_guard_rate_limited"
	CodeSpawnFailed     = "spawn_failed"
)

// Request describes one agent launch.
type Request struct {
	AgentID      string `json:"agentId"`
	Message      string `json:"message,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	InitiativeID string `json:"initiativeId,omitempty"`
	WorkstreamID string `json:"workstreamId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Thinking     bool   `json:"thinking,omitempty"`
	DryRun       bool   `json:"dryRun,omitempty"`
}

// Result reports the outcome of a dispatch.
type Result struct {
	OK             bool     `json:"ok"`
	Code           string   `json:"code,omitempty"`
	Error          string   `json:"error,omitempty"`
	AgentID        string   `json:"agentId,omitempty"`
	SessionID      string   `json:"sessionId,omitempty"`
	RunID          string   `json:"runId,omitempty"`
	PID            int      `json:"pid,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	Domain         string   `json:"domain,omitempty"`
	RequiredSkills []string `json:"requiredSkills,omitempty"`
	Degraded       []string `json:"degraded,omitempty"`
}

// spawnFunc starts the detached agent process and returns its PID.
type spawnFunc func(binary string, args []string) (int, error)

// Engine performs dispatches against the mediator and the local stores.
type Engine struct {
	med      *mediator.Mediator
	contexts *agentctx.Store
	events   *hub.Hub
	binary   string
	spawn    spawnFunc
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSpawn overrides process creation, for tests.
func WithSpawn(spawn spawnFunc) Option {
	return func(e *Engine) { e.spawn = spawn }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. events may be nil.
func New(med *mediator.Mediator, contexts *agentctx.Store, events *hub.Hub, agentBinary string, opts ...Option) *Engine {
	e := &Engine{
		med:      med,
		contexts: contexts,
		events:   events,
		binary:   agentBinary,
		spawn:    spawnDetached,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch runs the full launch sequence for a task. g and task may be nil
// for direct agent launches with no mission-control context.
func (e *Engine) Dispatch(ctx context.Context, g *graph.Graph, task *graph.Node, req Request) Result {
	if !ValidAgentID(req.AgentID) {
		return Result{Code: CodeInvalidAgentID, Error: fmt.Sprintf("invalid agent id %q", req.AgentID)}
	}
	provider := NormalizeProvider(req.Provider)

	var degraded []string

	// Billing gate: BYOK models need a paid plan.
	if IsBYOKModel(req.Model) {
		plan, err := e.med.Client().GetPlan(ctx)
		if err != nil {
			degraded = append(degraded, "plan check failed: "+err.Error())
		} else if plan == "free" {
			return Result{Code: CodeUpgradeRequired, Error: "BYOK models require a paid plan"}
		}
	}

	policy := ResolvePolicy(g, task)
	taskID := req.TaskID
	if task != nil {
		taskID = task.ID
	}

	guard, err := e.med.Client().CheckSpawnGuard(ctx, policy.Domain, taskID)
	if err != nil {
		// Guard unavailability never blocks a dispatch.
		degraded = append(degraded, "spawn guard check failed: "+err.Error())
		guard = cloud.SpawnGuardResult{Allowed: true}
	}
	if !guard.Allowed {
		return e.refuseForGuard(ctx, g, task, req, guard)
	}

	prompt := BuildPrompt(policy, guard.ModelTier, req.Message)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	runID := uuid.NewString()

	e.mutateStatuses(ctx, g, task, req, &degraded)

	pid := 0
	if !req.DryRun {
		pid, err = e.spawn(e.binary, e.agentArgs(req.AgentID, sessionID, provider, req, prompt))
		if err != nil {
			return Result{Code: CodeSpawnFailed, Error: err.Error(), Degraded: degraded}
		}
	}

	e.recordContexts(ctx, req, runID, sessionID, provider, policy.Domain, pid)

	startedAt := e.now().UTC().Format(time.RFC3339)
	if err := e.med.Emit(ctx, cloud.ActivityEvent{
		ID:           uuid.NewString(),
		Kind:         "execution_started",
		Message:      fmt.Sprintf("Agent %s started", req.AgentID),
		InitiativeID: req.InitiativeID,
		WorkstreamID: req.WorkstreamID,
		TaskID:       taskID,
		AgentID:      req.AgentID,
		RunID:        runID,
		Timestamp:    startedAt,
	}); err != nil {
		degraded = append(degraded, "activity emission failed: "+err.Error())
	}

	e.syncRollups(ctx, g, task, entity.StatusInProgress, &degraded)
	e.broadcast(runID, req.AgentID, "running")

	return Result{
		OK:             true,
		AgentID:        req.AgentID,
		SessionID:      sessionID,
		RunID:          runID,
		PID:            pid,
		Provider:       provider,
		Model:          req.Model,
		Domain:         policy.Domain,
		RequiredSkills: policy.RequiredSkills,
		Degraded:       degraded,
	}
}

// refuseForGuard handles an allowed=false spawn-guard verdict. Rate-limit
// blocks only warn; hard blocks mark the task blocked and ask the cloud
// plane for an operator decision.
func (e *Engine) refuseForGuard(ctx context.Context, g *graph.Graph, task *graph.Node, req Request, guard cloud.SpawnGuardResult) Result {
	target := req.TaskID
	if task != nil {
		target = task.Title
		if target == "" {
			target = task.ID
		}
	}
	reason := guard.BlockedReason
	if reason == "" {
		reason = "spawn guard refused the dispatch"
	}

	if guard.RateLimited() {
		_ = e.med.Emit(ctx, cloud.ActivityEvent{
			ID:           uuid.NewString(),
			Kind:         "blocked",
			Level:        "warn",
			Message:      fmt.Sprintf("Dispatch of %s rate-limited: %s", target, reason),
			InitiativeID: req.InitiativeID,
			TaskID:       req.TaskID,
			Timestamp:    e.now().UTC().Format(time.RFC3339),
		})
		return Result{Code: CodeSpawnGuardRate, Error: reason}
	}

	if task != nil {
		res := e.med.SetStatus(ctx, entity.TypeTask, task.ID, entity.StatusBlocked)
		if res.Error != "" && !res.OK {
			logger.Warn(ctx, "Failed to mark task blocked", "task", task.ID, "err", res.Error)
		} else {
			task.Status = entity.StatusBlocked
		}
		var degraded []string
		e.syncRollups(ctx, g, task, entity.StatusBlocked, &degraded)
	}
	if err := e.med.Client().RequestDecision(ctx, cloud.DecisionRequest{
		Title:        "Unblock " + target,
		Description:  reason,
		InitiativeID: req.InitiativeID,
		TaskID:       req.TaskID,
	}); err != nil {
		logger.Warn(ctx, "Failed to request unblock decision", "err", err)
	}
	_ = e.med.Emit(ctx, cloud.ActivityEvent{
		ID:           uuid.NewString(),
		Kind:         "blocked",
		Message:      fmt.Sprintf("Dispatch of %s blocked: %s", target, reason),
		InitiativeID: req.InitiativeID,
		TaskID:       req.TaskID,
		Timestamp:    e.now().UTC().Format(time.RFC3339),
	})
	return Result{Code: CodeSpawnGuardBlock, Error: reason}
}

// mutateStatuses moves the initiative, task, and workstream into their
// running states ahead of the launch.
func (e *Engine) mutateStatuses(ctx context.Context, g *graph.Graph, task *graph.Node, req Request, degraded *[]string) {
	if req.InitiativeID != "" {
		if res := e.med.SetStatus(ctx, entity.TypeInitiative, req.InitiativeID, entity.StatusActive); res.Error != "" && !res.OK {
			*degraded = append(*degraded, "initiative status update failed: "+res.Error)
		}
	}
	if task != nil {
		if res := e.med.SetStatus(ctx, entity.TypeTask, task.ID, entity.StatusInProgress); res.Error != "" && !res.OK {
			*degraded = append(*degraded, "task status update failed: "+res.Error)
		} else {
			task.Status = entity.StatusInProgress
		}
	}
	workstreamID := req.WorkstreamID
	if task != nil && task.WorkstreamID != "" {
		workstreamID = task.WorkstreamID
	}
	if workstreamID == "" {
		return
	}
	// Leave a workstream already in a dispatchable running state alone.
	if g != nil {
		if ws := g.NodeByID(workstreamID); ws != nil && entity.IsDispatchable(ws.Status) && entity.IsInProgressLike(ws.Status) {
			return
		}
	}
	if res := e.med.SetStatus(ctx, entity.TypeWorkstream, workstreamID, entity.StatusActive); res.Error != "" && !res.OK {
		*degraded = append(*degraded, "workstream status update failed: "+res.Error)
	}
}

// agentArgs builds the agent runtime command line.
func (e *Engine) agentArgs(agentID, sessionID, provider string, req Request, prompt string) []string {
	args := []string{"agent", "run", "--agent", agentID, "--session", sessionID, "--message", prompt}
	if provider != "" {
		args = append(args, "--provider", provider)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Thinking {
		args = append(args, "--thinking")
	}
	return args
}

// recordContexts persists the launch and run contexts.
func (e *Engine) recordContexts(ctx context.Context, req Request, runID, sessionID, provider, domain string, pid int) {
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.contexts.PutAgent(agentctx.LaunchContext{
		AgentID:      req.AgentID,
		SessionID:    sessionID,
		RunID:        runID,
		InitiativeID: req.InitiativeID,
		WorkstreamID: req.WorkstreamID,
		TaskID:       req.TaskID,
		Provider:     provider,
		Model:        req.Model,
		Domain:       domain,
	}); err != nil {
		logger.Warn(ctx, "Failed to persist launch context", "err", err)
	}
	if err := e.contexts.PutRun(agentctx.RunContext{
		RunID:        runID,
		AgentID:      req.AgentID,
		SessionID:    sessionID,
		InitiativeID: req.InitiativeID,
		WorkstreamID: req.WorkstreamID,
		TaskID:       req.TaskID,
		PID:          pid,
		Status:       "running",
		StartedAt:    now,
	}); err != nil {
		logger.Warn(ctx, "Failed to persist run context", "err", err)
	}
}

func (e *Engine) broadcast(runID, agentID, state string) {
	if e.events == nil {
		return
	}
	e.events.Broadcast(hub.Event{
		Type: hub.EventDispatchUpdated,
		Data: fmt.Sprintf(`{"runId":%q,"agentId":%q,"state":%q}`, runID, agentID, state),
	})
}

// StopResult reports a stop request's outcome.
type StopResult struct {
	OK         bool   `json:"ok"`
	RunID      string `json:"runId"`
	Stopped    bool   `json:"stopped"`
	WasRunning bool   `json:"wasRunning"`
	Error      string `json:"error,omitempty"`
}

// Stop terminates the detached process for a run.
func (e *Engine) Stop(ctx context.Context, runID string) StopResult {
	rc, ok := e.contexts.Run(runID)
	if !ok {
		return StopResult{RunID: runID, Error: fmt.Sprintf("unknown run %q", runID)}
	}
	res := cmdutil.StopDetached(rc.PID)

	rc.Status = "stopped"
	rc.StoppedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.contexts.PutRun(rc); err != nil {
		logger.Warn(ctx, "Failed to persist stopped run", "run", runID, "err", err)
	}
	e.broadcast(runID, rc.AgentID, "stopped")
	return StopResult{OK: true, RunID: runID, Stopped: res.Stopped, WasRunning: res.WasRunning}
}

// Restart stops a run and launches a fresh session for the same agent,
// carrying the previous launch context.
func (e *Engine) Restart(ctx context.Context, runID, message, provider, model string) (Result, string) {
	rc, ok := e.contexts.Run(runID)
	if !ok {
		return Result{Error: fmt.Sprintf("unknown run %q", runID)}, runID
	}
	_ = e.Stop(ctx, runID)

	req := Request{
		AgentID:      rc.AgentID,
		Message:      message,
		InitiativeID: rc.InitiativeID,
		WorkstreamID: rc.WorkstreamID,
		TaskID:       rc.TaskID,
		Provider:     provider,
		Model:        model,
	}
	if lc, ok := e.contexts.Agent(rc.AgentID); ok {
		if req.Provider == "" {
			req.Provider = lc.Provider
		}
		if req.Model == "" {
			req.Model = lc.Model
		}
	}
	return e.Dispatch(ctx, nil, nil, req), runID
}

// IsRunAlive reports whether a run's process is still alive.
func (e *Engine) IsRunAlive(runID string) bool {
	rc, ok := e.contexts.Run(runID)
	if !ok || rc.PID == 0 {
		return false
	}
	return cmdutil.IsPIDAlive(rc.PID)
}

// spawnDetached starts the agent runtime with no attached stdio, in its
// own process group, and releases the handle so its lifetime is not bound
// to ours.
func spawnDetached(binary string, args []string) (int, error) {
	cmd := exec.Command(binary, args...)
	cmdutil.SetupDetached(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("dispatch: start %s: %w", binary, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("dispatch: release %s: %w", binary, err)
	}
	return pid, nil
}
