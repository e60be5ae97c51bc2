package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/graph"
)

// rollupStatus folds child task statuses into a parent status. Any task in
// progress keeps the parent active; a fully done set closes it; a blocked
// task with nothing running blocks it.
func rollupStatus(statuses []string) string {
	if len(statuses) == 0 {
		return ""
	}
	var inProgress, blocked, allDone bool
	allDone = true
	for _, s := range statuses {
		switch {
		case entity.IsInProgressLike(s):
			inProgress = true
		case entity.IsBlocked(s):
			blocked = true
		}
		if !entity.IsDoneLike(s) {
			allDone = false
		}
	}
	switch {
	case allDone:
		return entity.StatusDone
	case inProgress:
		return entity.StatusActive
	case blocked:
		return entity.StatusBlocked
	default:
		return entity.StatusTodo
	}
}

// SyncRollups recomputes and applies the parent rollups for a task whose
// status just changed, returning any degraded reasons.
func (e *Engine) SyncRollups(ctx context.Context, g *graph.Graph, task *graph.Node, changed string) []string {
	var degraded []string
	e.syncRollups(ctx, g, task, changed, &degraded)
	return degraded
}

// syncRollups recomputes milestone and workstream statuses from their
// tasks and applies them: milestone through a changeset, workstream via a
// direct status update. changed carries the freshly-mutated task status so
// the rollup never lags behind the current dispatch.
func (e *Engine) syncRollups(ctx context.Context, g *graph.Graph, task *graph.Node, changed string, degraded *[]string) {
	if g == nil || task == nil {
		return
	}

	if task.MilestoneID != "" {
		status := rollupStatus(siblingStatuses(g, task, changed, func(n *graph.Node) string { return n.MilestoneID }, task.MilestoneID))
		if status != "" {
			key := rollupKey(task.MilestoneID, status)
			if err := e.med.Client().ApplyChangeset(ctx, []cloud.Change{{
				EntityID: task.MilestoneID,
				Type:     entity.TypeMilestone,
				Patch:    map[string]any{"status": status},
			}}, key); err != nil {
				*degraded = append(*degraded, "milestone rollup failed: "+err.Error())
			}
		}
	}

	if task.WorkstreamID != "" {
		status := rollupStatus(siblingStatuses(g, task, changed, func(n *graph.Node) string { return n.WorkstreamID }, task.WorkstreamID))
		if status != "" {
			if res := e.med.SetStatus(ctx, entity.TypeWorkstream, task.WorkstreamID, status); res.Error != "" && !res.OK {
				*degraded = append(*degraded, "workstream rollup failed: "+res.Error)
			}
		}
	}
}

// rollupKey derives the idempotency key for a milestone rollup, stable
// per (milestone, resulting status) so retries collapse server-side.
func rollupKey(milestoneID, status string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("rollup:"+milestoneID+":"+status)).String()
}

// siblingStatuses collects the statuses of all tasks sharing a parent,
// substituting the changed status for the task being dispatched.
func siblingStatuses(g *graph.Graph, task *graph.Node, changed string, parentOf func(*graph.Node) string, parentID string) []string {
	var out []string
	for _, n := range g.Nodes {
		if n.Type != entity.TypeTask || parentOf(n) != parentID {
			continue
		}
		if n.ID == task.ID && changed != "" {
			out = append(out, changed)
			continue
		}
		out = append(out, n.Status)
	}
	return out
}
