package mediator

import (
	"sort"
	"time"

	"github.com/useorgx/orgx-local/internal/agentctx"
	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/transcript"
)

// enrich injects initiative and workstream ids plus an orgx_context block
// into session and activity records, keyed off the launch-context store.
// Existing ids are never overwritten.
func (m *Mediator) enrich(items []entity.Record) {
	for _, rec := range items {
		runID := rec.String("run_id", "runId")
		agentID := rec.String("agent_id", "agentId")

		var (
			initiativeID, workstreamID, taskID string
			found                              bool
		)
		if runID != "" {
			if rc, ok := m.contexts.Run(runID); ok {
				initiativeID, workstreamID, taskID = rc.InitiativeID, rc.WorkstreamID, rc.TaskID
				if agentID == "" {
					agentID = rc.AgentID
				}
				found = true
			}
		}
		if !found && agentID != "" {
			if lc, ok := m.contexts.Agent(agentID); ok {
				initiativeID, workstreamID, taskID = lc.InitiativeID, lc.WorkstreamID, lc.TaskID
				found = true
			}
		}
		if !found {
			continue
		}

		if rec.String("initiative_id", "initiativeId") == "" && initiativeID != "" {
			rec["initiative_id"] = initiativeID
		}
		if rec.String("workstream_id", "workstreamId") == "" && workstreamID != "" {
			rec["workstream_id"] = workstreamID
		}

		meta := rec.Metadata()
		if meta == nil {
			meta = map[string]any{}
		}
		meta["orgx_context"] = map[string]any{
			"agentId":      agentID,
			"runId":        runID,
			"initiativeId": initiativeID,
			"workstreamId": workstreamID,
			"taskId":       taskID,
		}
		rec["metadata"] = meta
	}
}

// synthesizeSessions builds session records from the transcript snapshot.
func (m *Mediator) synthesizeSessions() []entity.Record {
	nodes := transcript.Snapshot(m.agentsDir)
	cutoff := m.now().Add(-sessionIdleAfter)

	out := make([]entity.Record, 0, len(nodes))
	for _, node := range nodes {
		status := "idle"
		if node.UpdatedAt.After(cutoff) {
			status = "running"
		}
		rec := entity.Record{
			"id":         node.SessionID,
			"agent_id":   node.AgentID,
			"status":     status,
			"updated_at": node.UpdatedAt.UTC().Format(time.RFC3339),
			"source":     "transcript",
		}
		if rc, ok := m.runForSession(node.SessionID); ok {
			rec["run_id"] = rc.RunID
		}
		out = append(out, rec)
	}
	return out
}

// runForSession finds the run context whose session matches.
func (m *Mediator) runForSession(sessionID string) (agentctx.RunContext, bool) {
	for _, rc := range m.contexts.Runs() {
		if rc.SessionID == sessionID {
			return rc, true
		}
	}
	return agentctx.RunContext{}, false
}

// synthesizeInitiatives derives initiative rows from the overrides and the
// launch contexts, newest first, dedupe by id.
func (m *Mediator) synthesizeInitiatives() []entity.Record {
	seen := map[string]bool{}
	var out []entity.Record

	for id, ov := range m.overrides.snapshot() {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, entity.Record{
			"id":            id,
			"status":        ov.Status,
			"updated_at":    ov.UpdatedAt,
			"localOverride": true,
		})
	}
	for _, rc := range m.contexts.Runs() {
		if rc.InitiativeID == "" || seen[rc.InitiativeID] {
			continue
		}
		seen[rc.InitiativeID] = true
		out = append(out, entity.Record{
			"id":         rc.InitiativeID,
			"status":     "active",
			"updated_at": rc.UpdatedAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].String("updated_at") > out[j].String("updated_at")
	})
	return out
}

// synthesizeAgents derives the agent roster from launch contexts.
func (m *Mediator) synthesizeAgents() []entity.Record {
	seen := map[string]bool{}
	var out []entity.Record
	for _, rc := range m.contexts.Runs() {
		if rc.AgentID == "" || seen[rc.AgentID] {
			continue
		}
		seen[rc.AgentID] = true
		rec := entity.Record{
			"id":         rc.AgentID,
			"updated_at": rc.UpdatedAt,
		}
		if lc, ok := m.contexts.Agent(rc.AgentID); ok {
			if lc.Domain != "" {
				rec["domain"] = lc.Domain
			}
			if lc.Model != "" {
				rec["model"] = lc.Model
			}
		}
		out = append(out, rec)
	}
	return out
}

// synthesizeLiveAgents derives live-agent rows from run contexts with a
// recorded PID, filtered to one initiative when requested.
func (m *Mediator) synthesizeLiveAgents(initiativeID string) []entity.Record {
	var out []entity.Record
	for _, rc := range m.contexts.Runs() {
		if rc.PID == 0 || rc.StoppedAt != "" {
			continue
		}
		if initiativeID != "" && rc.InitiativeID != initiativeID {
			continue
		}
		out = append(out, entity.Record{
			"id":            rc.RunID,
			"agent_id":      rc.AgentID,
			"initiative_id": rc.InitiativeID,
			"pid":           rc.PID,
			"status":        "running",
			"updated_at":    rc.UpdatedAt,
		})
	}
	return out
}

// outboxRecords converts outbox items to activity records.
func (m *Mediator) outboxRecords(initiativeID string, since time.Time) []entity.Record {
	ids := []string{initiativeID}
	if initiativeID == "" {
		ids = m.outbox.Initiatives()
	}

	var out []entity.Record
	for _, id := range ids {
		items, err := m.outbox.Read(id, since)
		if err != nil {
			continue
		}
		for _, item := range items {
			out = append(out, activityRecord(item.Payload))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].String("timestamp") > out[j].String("timestamp")
	})
	return out
}

// mergeOutbox folds outbox entries newer than the cloud cutoff into a
// cloud activity result, dedupes by id, and re-sorts newest first.
func (m *Mediator) mergeOutbox(items []entity.Record, initiativeID string) []entity.Record {
	cutoff := time.Time{}
	seen := map[string]bool{}
	for _, rec := range items {
		if id := rec.String("id"); id != "" {
			seen[id] = true
		}
		if ts, err := time.Parse(time.RFC3339, rec.String("timestamp", "created_at")); err == nil && ts.After(cutoff) {
			cutoff = ts
		}
	}

	merged := items
	for _, rec := range m.outboxRecords(initiativeID, cutoff) {
		if id := rec.String("id"); id != "" && seen[id] {
			continue
		}
		merged = append(merged, rec)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].String("timestamp", "created_at") > merged[j].String("timestamp", "created_at")
	})
	return merged
}

// activityRecord converts an event to the feed's record shape.
func activityRecord(ev cloud.ActivityEvent) entity.Record {
	rec := entity.Record{
		"id":        ev.ID,
		"kind":      ev.Kind,
		"timestamp": ev.Timestamp,
		"source":    "outbox",
	}
	if ev.Level != "" {
		rec["level"] = ev.Level
	}
	if ev.Message != "" {
		rec["message"] = ev.Message
	}
	if ev.InitiativeID != "" {
		rec["initiative_id"] = ev.InitiativeID
	}
	if ev.WorkstreamID != "" {
		rec["workstream_id"] = ev.WorkstreamID
	}
	if ev.TaskID != "" {
		rec["task_id"] = ev.TaskID
	}
	if ev.AgentID != "" {
		rec["agent_id"] = ev.AgentID
	}
	if ev.RunID != "" {
		rec["run_id"] = ev.RunID
	}
	if ev.Metadata != nil {
		rec["metadata"] = ev.Metadata
	}
	return rec
}

// applyFilter re-applies the cloud filter semantics to synthesized rows.
func applyFilter(items []entity.Record, filter cloud.Filter) []entity.Record {
	out := items[:0]
	for _, rec := range items {
		if filter.InitiativeID != "" && rec.String("initiative_id", "initiativeId") != filter.InitiativeID {
			continue
		}
		if filter.RunID != "" && rec.String("run_id", "runId") != filter.RunID {
			continue
		}
		if !filter.IncludeIdle && rec.String("status") == "idle" {
			continue
		}
		if !filter.Since.IsZero() {
			at, err := time.Parse(time.RFC3339, rec.String("updated_at", "updatedAt", "timestamp"))
			if err != nil || !at.After(filter.Since) {
				continue
			}
		}
		out = append(out, rec)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}
