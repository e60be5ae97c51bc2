// Package mediator sits between the HTTP surface and the cloud plane.
// Every read tries the cloud first and, on failure, synthesizes an
// equivalent payload from local state: on-disk transcripts, the outbox,
// the agent-launch context store, and the local status overrides. Callers
// always get a usable response; availability of the cloud plane only
// changes the degraded markers.
package mediator

import (
	"context"
	"time"

	"github.com/useorgx/orgx-local/internal/agentctx"
	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/cmn/logger"
	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/outbox"
)

// sessionIdleAfter is how long after its last transcript write a
// synthesized session reads as idle instead of running.
const sessionIdleAfter = 10 * time.Minute

// ListResult is the uniform shape of mediated list reads.
type ListResult struct {
	Items         []entity.Record `json:"items"`
	Total         int             `json:"total"`
	Degraded      bool            `json:"degraded"`
	LocalFallback bool            `json:"localFallback"`
	Error         string          `json:"error,omitempty"`
}

// StatusResult reports the outcome of a mediated status write.
type StatusResult struct {
	OK            bool   `json:"ok"`
	LocalFallback bool   `json:"localFallback"`
	Error         string `json:"error,omitempty"`
}

// Mediator wraps the cloud client with local fallback.
type Mediator struct {
	client    cloud.Client
	outbox    *outbox.Store
	contexts  *agentctx.Store
	agentsDir string
	overrides *overrideMap
	now       func() time.Time
}

// Option configures a Mediator.
type Option func(*Mediator)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Mediator) { m.now = now }
}

// New creates a Mediator over the given cloud client and local stores.
func New(client cloud.Client, ob *outbox.Store, contexts *agentctx.Store, agentsDir string, opts ...Option) *Mediator {
	m := &Mediator{
		client:    client,
		outbox:    ob,
		contexts:  contexts,
		agentsDir: agentsDir,
		overrides: newOverrideMap(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ListEntities implements the graph builder's source. Initiative reads get
// the local overrides overlaid; failures propagate so the builder can record
// its own degraded reason.
func (m *Mediator) ListEntities(ctx context.Context, typ, initiativeID string, limit int) ([]entity.Record, error) {
	items, err := m.client.ListEntities(ctx, typ, initiativeID, limit)
	if err != nil {
		return nil, err
	}
	if typ == entity.TypeInitiative {
		m.overrides.overlay(items)
	}
	return items, nil
}

// Entities serves the entity proxy read with fallback.
func (m *Mediator) Entities(ctx context.Context, typ string, filter cloud.Filter) ListResult {
	items, err := m.client.ListEntities(ctx, typ, filter.InitiativeID, filter.Limit)
	if err == nil {
		if typ == entity.TypeInitiative {
			m.overrides.overlay(items)
		}
		return ListResult{Items: items, Total: len(items)}
	}

	logger.Warn(ctx, "Entity read fell back to local state", "type", typ, "err", err)
	var synth []entity.Record
	if typ == entity.TypeInitiative {
		synth = m.synthesizeInitiatives()
	}
	return fallbackResult(synth, err)
}

// Sessions serves the session read with transcript-snapshot fallback.
func (m *Mediator) Sessions(ctx context.Context, filter cloud.Filter) ListResult {
	items, err := m.client.ListSessions(ctx, filter)
	if err == nil {
		m.enrich(items)
		return ListResult{Items: items, Total: len(items)}
	}

	logger.Warn(ctx, "Session read fell back to transcripts", "err", err)
	synth := m.synthesizeSessions()
	m.enrich(synth)
	synth = applyFilter(synth, filter)
	return fallbackResult(synth, err)
}

// Activity serves the activity read. Cloud results are merged with outbox
// entries newer than the cloud cutoff, deduplicated by id, newest first.
func (m *Mediator) Activity(ctx context.Context, filter cloud.Filter) ListResult {
	items, err := m.client.ListActivity(ctx, filter)
	if err == nil {
		m.enrich(items)
		merged := m.mergeOutbox(items, filter.InitiativeID)
		return ListResult{Items: merged, Total: len(merged)}
	}

	logger.Warn(ctx, "Activity read fell back to outbox", "err", err)
	synth := m.outboxRecords(filter.InitiativeID, filter.Since)
	m.enrich(synth)
	return fallbackResult(synth, err)
}

// Agents serves the agent roster read with launch-context fallback.
func (m *Mediator) Agents(ctx context.Context) ListResult {
	items, err := m.client.ListAgents(ctx)
	if err == nil {
		return ListResult{Items: items, Total: len(items)}
	}

	logger.Warn(ctx, "Agent read fell back to launch contexts", "err", err)
	return fallbackResult(m.synthesizeAgents(), err)
}

// LiveAgents serves the live-agent read with run-context fallback.
func (m *Mediator) LiveAgents(ctx context.Context, initiativeID string) ListResult {
	items, err := m.client.ListLiveAgents(ctx, initiativeID)
	if err == nil {
		return ListResult{Items: items, Total: len(items)}
	}

	logger.Warn(ctx, "Live agent read fell back to run contexts", "err", err)
	synth := m.synthesizeLiveAgents(initiativeID)
	return fallbackResult(synth, err)
}

// Initiatives serves the initiative read, overlaying local overrides on
// both the cloud and the synthesized path.
func (m *Mediator) Initiatives(ctx context.Context) ListResult {
	items, err := m.client.ListInitiatives(ctx)
	if err == nil {
		m.overrides.overlay(items)
		return ListResult{Items: items, Total: len(items)}
	}

	logger.Warn(ctx, "Initiative read fell back to local state", "err", err)
	return fallbackResult(m.synthesizeInitiatives(), err)
}

// Decisions serves the decision read. There is no local decision store;
// a failed read degrades to an empty list.
func (m *Mediator) Decisions(ctx context.Context, filter cloud.Filter) ListResult {
	items, err := m.client.ListDecisions(ctx, filter)
	if err == nil {
		return ListResult{Items: items, Total: len(items)}
	}
	return fallbackResult(nil, err)
}

// Handoffs serves the handoff read, degrading to empty like Decisions.
func (m *Mediator) Handoffs(ctx context.Context, filter cloud.Filter) ListResult {
	items, err := m.client.ListHandoffs(ctx, filter)
	if err == nil {
		return ListResult{Items: items, Total: len(items)}
	}
	return fallbackResult(nil, err)
}

// Dashboard serves the dashboard bundle, composing it from local state
// when the cloud read fails.
func (m *Mediator) Dashboard(ctx context.Context) (entity.Record, ListResult) {
	bundle, err := m.client.GetDashboard(ctx)
	if err == nil {
		return bundle, ListResult{}
	}

	logger.Warn(ctx, "Dashboard read fell back to local composition", "err", err)
	initiatives := m.synthesizeInitiatives()
	sessions := m.synthesizeSessions()
	m.enrich(sessions)
	activity := m.outboxRecords("", time.Time{})
	local := entity.Record{
		"initiatives":   recordsAny(initiatives),
		"sessions":      recordsAny(sessions),
		"activity":      recordsAny(activity),
		"localFallback": true,
		"degraded":      true,
		"error":         err.Error(),
	}
	return local, ListResult{Degraded: true, LocalFallback: true, Error: err.Error()}
}

// SetStatus writes an entity status to the cloud plane. An unauthorized
// initiative write installs a local override and reports synthetic
// success; any later successful write clears the override.
func (m *Mediator) SetStatus(ctx context.Context, typ, id, status string) StatusResult {
	err := m.client.UpdateEntityStatus(ctx, typ, id, status)
	if err == nil {
		if typ == entity.TypeInitiative {
			m.overrides.clear(id)
		}
		return StatusResult{OK: true}
	}
	if typ == entity.TypeInitiative && cloud.IsUnauthorized(err) {
		m.overrides.install(id, status, m.now())
		logger.Warn(ctx, "Initiative status held locally after unauthorized write",
			"initiative", id, "status", status)
		return StatusResult{OK: true, LocalFallback: true, Error: err.Error()}
	}
	return StatusResult{Error: err.Error()}
}

// Emit delivers an activity event to the cloud plane, parking it in the
// outbox when delivery fails.
func (m *Mediator) Emit(ctx context.Context, event cloud.ActivityEvent) error {
	if err := m.client.EmitActivity(ctx, event); err != nil {
		logger.Warn(ctx, "Activity parked in outbox", "kind", event.Kind, "err", err)
		return m.outbox.Append(event)
	}
	return nil
}

// Client exposes the underlying cloud client for paths that must not
// fall back, such as spawn-guard checks and the live-stream proxy.
func (m *Mediator) Client() cloud.Client { return m.client }

// fallbackResult wraps synthesized items with the degraded markers.
func fallbackResult(items []entity.Record, err error) ListResult {
	if items == nil {
		items = []entity.Record{}
	}
	return ListResult{
		Items:         items,
		Total:         len(items),
		Degraded:      true,
		LocalFallback: true,
		Error:         err.Error(),
	}
}

func recordsAny(items []entity.Record) []any {
	out := make([]any, len(items))
	for i, rec := range items {
		out[i] = map[string]any(rec)
	}
	return out
}

var _ interface {
	ListEntities(ctx context.Context, typ, initiativeID string, limit int) ([]entity.Record, error)
} = (*Mediator)(nil)
