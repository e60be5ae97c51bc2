// Package autocontinue advances one initiative at a time: a process-wide
// ticker polls each run, harvests finished agent sessions, enforces the
// token budget, and dispatches the next ready task until the initiative
// completes or a stop condition fires.
package autocontinue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/useorgx/orgx-local/internal/agentctx"
	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/cmn/logger"
	"github.com/useorgx/orgx-local/internal/config"
	"github.com/useorgx/orgx-local/internal/dispatch"
	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/graph"
	"github.com/useorgx/orgx-local/internal/hub"
	"github.com/useorgx/orgx-local/internal/mediator"
	"github.com/useorgx/orgx-local/internal/transcript"
)

// Run states.
const (
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// Stop reasons.
const (
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonBlocked         = "blocked"
	ReasonCompleted       = "completed"
	ReasonStopped         = "stopped"
	ReasonError           = "error"
)

// verificationPrefix marks tasks skipped unless the run opted in.
const verificationPrefix = "Verification scenario"

// isVerificationTask matches the prefix case-insensitively so planner
// capitalization does not change the gating.
func isVerificationTask(title string) bool {
	return len(title) >= len(verificationPrefix) &&
		strings.EqualFold(title[:len(verificationPrefix)], verificationPrefix)
}

// Run is the per-initiative auto-continue state machine.
type Run struct {
	InitiativeID         string   `json:"initiativeId"`
	AgentID              string   `json:"agentId"`
	State                string   `json:"state"`
	StopReason           string   `json:"stopReason,omitempty"`
	StopRequested        bool     `json:"stopRequested"`
	Error                string   `json:"error,omitempty"`
	TokenBudget          int64    `json:"tokenBudget"`
	TokensUsed           int64    `json:"tokensUsed"`
	IncludeVerification  bool     `json:"includeVerification"`
	AllowedWorkstreamIDs []string `json:"allowedWorkstreamIds,omitempty"`
	ActiveRunID          string   `json:"activeRunId,omitempty"`
	ActiveTaskID         string   `json:"activeTaskId,omitempty"`
	ActiveSessionID      string   `json:"activeSessionId,omitempty"`
	PreEstimate          int64    `json:"preEstimate"`
	TasksDispatched      int      `json:"tasksDispatched"`
	StartedAt            string   `json:"startedAt"`
	UpdatedAt            string   `json:"updatedAt"`
	StoppedAt            string   `json:"stoppedAt,omitempty"`
}

// Defaults are the effective defaults reported by Status.
type Defaults struct {
	TokenBudget int64 `json:"tokenBudget"`
	TickMs      int64 `json:"tickMs"`
}

// StartRequest asks for a run to be created or reset.
type StartRequest struct {
	InitiativeID         string   `json:"initiativeId"`
	AgentID              string   `json:"agentId,omitempty"`
	TokenBudget          int64    `json:"tokenBudget,omitempty"`
	IncludeVerification  bool     `json:"includeVerification,omitempty"`
	AllowedWorkstreamIDs []string `json:"workstreamIds,omitempty"`
}

// Scheduler owns every auto-continue run and the shared tick.
type Scheduler struct {
	cfg       config.Config
	builder   *graph.Builder
	engine    *dispatch.Engine
	med       *mediator.Mediator
	contexts  *agentctx.Store
	events    *hub.Hub
	agentsDir string
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*Run

	// tickMu serializes tick processing; an overlapping tick is skipped.
	tickMu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. events may be nil.
func New(cfg config.Config, builder *graph.Builder, engine *dispatch.Engine, med *mediator.Mediator, contexts *agentctx.Store, events *hub.Hub, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		builder:   builder,
		engine:    engine,
		med:       med,
		contexts:  contexts,
		events:    events,
		agentsDir: cfg.Paths.AgentsDir(),
		now:       time.Now,
		runs:      make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Defaults reports the effective token budget and tick cadence.
func (s *Scheduler) Defaults() Defaults {
	return Defaults{
		TokenBudget: s.cfg.DefaultTokenBudget(),
		TickMs:      s.cfg.AutoContinue.TickInterval.Milliseconds(),
	}
}

// Start creates or resets the run for an initiative and moves the
// initiative to active.
func (s *Scheduler) Start(ctx context.Context, req StartRequest) Run {
	budget := req.TokenBudget
	if budget <= 0 {
		budget = s.cfg.DefaultTokenBudget()
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = "main"
	}
	now := s.stamp()

	s.mu.Lock()
	run := &Run{
		InitiativeID:         req.InitiativeID,
		AgentID:              agentID,
		State:                StateRunning,
		TokenBudget:          budget,
		IncludeVerification:  req.IncludeVerification,
		AllowedWorkstreamIDs: req.AllowedWorkstreamIDs,
		StartedAt:            now,
		UpdatedAt:            now,
	}
	s.runs[req.InitiativeID] = run
	out := *run
	s.mu.Unlock()

	if res := s.med.SetStatus(ctx, entity.TypeInitiative, req.InitiativeID, entity.StatusActive); res.Error != "" && !res.OK {
		logger.Warn(ctx, "Failed to activate initiative for auto-continue",
			"initiative", req.InitiativeID, "err", res.Error)
	}
	s.broadcast(out)
	return out
}

// Stop requests a stop. With no active child the run stops immediately;
// otherwise it moves to stopping until the child exits.
func (s *Scheduler) Stop(initiativeID string) (Run, bool) {
	s.mu.Lock()
	run, ok := s.runs[initiativeID]
	if !ok {
		s.mu.Unlock()
		return Run{}, false
	}
	run.StopRequested = true
	if run.State == StateRunning {
		if run.ActiveRunID == "" {
			s.stopLocked(run, ReasonStopped, "")
		} else {
			run.State = StateStopping
			run.UpdatedAt = s.stamp()
		}
	}
	out := *run
	s.mu.Unlock()

	s.broadcast(out)
	return out, true
}

// RunningFor reports the agent of a live run covering a workstream: the
// run must not be stopped, and its allow-list (when set) must include the
// workstream.
func (s *Scheduler) RunningFor(initiativeID, workstreamID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[initiativeID]
	if !ok || run.State == StateStopped {
		return "", false
	}
	if len(run.AllowedWorkstreamIDs) > 0 {
		allowed := false
		for _, id := range run.AllowedWorkstreamIDs {
			if id == workstreamID {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", false
		}
	}
	return run.AgentID, true
}

// Status returns a copy of the run for an initiative.
func (s *Scheduler) Status(initiativeID string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[initiativeID]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// Loop drives the shared tick until the context ends.
func (s *Scheduler) Loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AutoContinue.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every non-stopped run in turn. A tick that would overlap
// a still-running one is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		return
	}
	defer s.tickMu.Unlock()

	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id, run := range s.runs {
		if run.State != StateStopped {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.tickOnce(ctx, id)
	}
}

// tickOnce advances one run by at most one step.
func (s *Scheduler) tickOnce(ctx context.Context, initiativeID string) {
	s.mu.Lock()
	run, ok := s.runs[initiativeID]
	if !ok || run.State == StateStopped {
		s.mu.Unlock()
		return
	}
	snapshot := *run
	s.mu.Unlock()

	// 1. Harvest an active child first.
	if snapshot.ActiveRunID != "" {
		if s.engine.IsRunAlive(snapshot.ActiveRunID) {
			return
		}
		s.harvest(ctx, initiativeID, snapshot)
		s.mu.Lock()
		run, ok = s.runs[initiativeID]
		if !ok || run.State == StateStopped {
			s.mu.Unlock()
			return
		}
		snapshot = *run
		s.mu.Unlock()
	}

	// 2. Honor a pending stop request.
	if snapshot.StopRequested {
		s.stopRun(initiativeID, ReasonStopped, "")
		return
	}

	// 3. Budget guard.
	if snapshot.TokensUsed >= snapshot.TokenBudget {
		s.stopRun(initiativeID, ReasonBudgetExhausted, "")
		return
	}

	// 4. Rebuild the graph; a todo-free initiative is complete.
	g := s.builder.Build(ctx, initiativeID)
	if !hasTodoTasks(g) {
		s.stopRun(initiativeID, ReasonCompleted, "")
		return
	}

	// 5. Select the next dispatchable task.
	task := s.selectTask(g, snapshot)
	if task == nil {
		s.stopRun(initiativeID, ReasonBlocked, "")
		return
	}

	// 6. Pre-estimate; refuse to start a task that would blow the budget.
	estimate := graph.EstimateTokens(s.cfg.Budget, task.ExpectedDurationHours)
	if snapshot.TokensUsed+estimate > snapshot.TokenBudget {
		s.stopRun(initiativeID, ReasonBudgetExhausted, "")
		return
	}

	// 7. Dispatch.
	res := s.engine.Dispatch(ctx, g, task, dispatch.Request{
		AgentID:      snapshot.AgentID,
		Message:      fmt.Sprintf("Continue work on task: %s", task.Title),
		SessionID:    uuid.NewString(),
		InitiativeID: initiativeID,
		WorkstreamID: task.WorkstreamID,
		TaskID:       task.ID,
	})
	if statusFailure(res.Degraded) != "" {
		s.stopRun(initiativeID, ReasonError, statusFailure(res.Degraded))
		return
	}
	if !res.OK {
		switch res.Code {
		case dispatch.CodeSpawnGuardBlock, dispatch.CodeSpawnGuardRate:
			// The guard handled the task; the next tick picks another.
			return
		default:
			s.stopRun(initiativeID, ReasonError, res.Error)
			return
		}
	}

	s.mu.Lock()
	if run, ok := s.runs[initiativeID]; ok {
		run.ActiveRunID = res.RunID
		run.ActiveTaskID = task.ID
		run.ActiveSessionID = res.SessionID
		run.PreEstimate = estimate
		run.TasksDispatched++
		run.UpdatedAt = s.stamp()
		snapshot = *run
	}
	s.mu.Unlock()
	s.broadcast(snapshot)
}

// harvest processes an exited child: transcript summary, task status,
// token accounting, rollups, and activity.
func (s *Scheduler) harvest(ctx context.Context, initiativeID string, snapshot Run) {
	rc, _ := s.contexts.Run(snapshot.ActiveRunID)

	summary, err := transcript.SummarizeSession(s.agentsDir, rc.AgentID, rc.SessionID)
	if err != nil {
		logger.Warn(ctx, "Transcript summary failed", "run", snapshot.ActiveRunID, "err", err)
	}

	rc.Status = "stopped"
	rc.StoppedAt = s.stamp()
	if rc.RunID != "" {
		if err := s.contexts.PutRun(rc); err != nil {
			logger.Warn(ctx, "Failed to persist harvested run", "run", rc.RunID, "err", err)
		}
	}

	if snapshot.ActiveTaskID != "" {
		status := entity.StatusDone
		kind := "completed"
		if summary.HadError {
			status = entity.StatusBlocked
			kind = "blocked"
		}
		if res := s.med.SetStatus(ctx, entity.TypeTask, snapshot.ActiveTaskID, status); res.Error != "" && !res.OK {
			logger.Warn(ctx, "Failed to finalize task status",
				"task", snapshot.ActiveTaskID, "status", status, "err", res.Error)
		}

		g := s.builder.Build(ctx, initiativeID)
		if task := g.NodeByID(snapshot.ActiveTaskID); task != nil {
			s.engine.SyncRollups(ctx, g, task, status)
		}

		_ = s.med.Emit(ctx, cloud.ActivityEvent{
			ID:           uuid.NewString(),
			Kind:         kind,
			Message:      fmt.Sprintf("Task %s %s (tokens=%d, cost=$%.2f)", snapshot.ActiveTaskID, kind, summary.Tokens, summary.CostUSD),
			InitiativeID: initiativeID,
			TaskID:       snapshot.ActiveTaskID,
			AgentID:      rc.AgentID,
			RunID:        snapshot.ActiveRunID,
			Timestamp:    s.stamp(),
		})
		if summary.HadError {
			if err := s.med.Client().RequestDecision(ctx, cloud.DecisionRequest{
				Title:        "Unblock " + snapshot.ActiveTaskID,
				Description:  "Agent session ended with an error.",
				InitiativeID: initiativeID,
				TaskID:       snapshot.ActiveTaskID,
			}); err != nil {
				logger.Warn(ctx, "Failed to request decision for errored task", "err", err)
			}
		}
	}

	spent := summary.Tokens
	if snapshot.PreEstimate > spent {
		spent = snapshot.PreEstimate
	}

	s.mu.Lock()
	if run, ok := s.runs[initiativeID]; ok {
		run.TokensUsed += spent
		run.ActiveRunID = ""
		run.ActiveTaskID = ""
		run.ActiveSessionID = ""
		run.PreEstimate = 0
		run.UpdatedAt = s.stamp()
	}
	s.mu.Unlock()
}

// selectTask picks the first recent todo that passes every dispatch gate.
func (s *Scheduler) selectTask(g *graph.Graph, run Run) *graph.Node {
	byID := graph.IDIndex(g)
	allowed := map[string]bool{}
	for _, id := range run.AllowedWorkstreamIDs {
		allowed[id] = true
	}

	for _, id := range g.RecentTodos {
		n := byID[id]
		if n == nil || !entity.IsTodoLike(n.Status) {
			continue
		}
		if !run.IncludeVerification && isVerificationTask(n.Title) {
			continue
		}
		if len(allowed) > 0 && !allowed[n.WorkstreamID] {
			continue
		}
		if ws, ok := byID[n.WorkstreamID]; ok && !entity.IsDispatchable(ws.Status) {
			continue
		}
		if !graph.IsReady(n, byID) || graph.HasBlockedParent(n, byID) {
			continue
		}
		return n
	}
	return nil
}

// stopRun transitions a run to stopped.
func (s *Scheduler) stopRun(initiativeID, reason, errMsg string) {
	s.mu.Lock()
	run, ok := s.runs[initiativeID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.stopLocked(run, reason, errMsg)
	out := *run
	s.mu.Unlock()
	s.broadcast(out)
}

func (s *Scheduler) stopLocked(run *Run, reason, errMsg string) {
	run.State = StateStopped
	run.StopReason = reason
	run.Error = errMsg
	run.StoppedAt = s.stamp()
	run.UpdatedAt = run.StoppedAt
}

func (s *Scheduler) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Scheduler) broadcast(run Run) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(hub.Event{
		Type: hub.EventAutoContinue,
		Data: fmt.Sprintf(`{"initiativeId":%q,"state":%q,"stopReason":%q,"tokensUsed":%d}`,
			run.InitiativeID, run.State, run.StopReason, run.TokensUsed),
	})
}

func hasTodoTasks(g *graph.Graph) bool {
	for _, n := range g.Nodes {
		if n.Type == entity.TypeTask && entity.IsTodoLike(n.Status) {
			return true
		}
	}
	return false
}

// statusFailure extracts a status-mutation failure from dispatch degraded
// reasons; these abort the run rather than degrade it.
func statusFailure(degraded []string) string {
	for _, d := range degraded {
		if strings.Contains(d, "status update failed") {
			return d
		}
	}
	return ""
}
