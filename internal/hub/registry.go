// Package hub keeps the table of external runtime instances reported by
// hook POSTs and fans out change events to dashboard SSE subscribers.
package hub

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/useorgx/orgx-local/internal/entity"
)

// Instance states.
const (
	StateRunning = "running"
	StateIdle    = "idle"
	StateStale   = "stale"
	StateError   = "error"
)

// Events that count as heartbeats.
var heartbeatEvents = map[string]struct{}{
	"heartbeat":     {},
	"session_start": {},
	"progress":      {},
}

// HookPayload is the body of a runtime hook POST.
type HookPayload struct {
	SourceClient  string         `json:"source_client"`
	Event         string         `json:"event"`
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id"`
	InitiativeID  string         `json:"initiative_id"`
	WorkstreamID  string         `json:"workstream_id"`
	TaskID        string         `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	AgentName     string         `json:"agent_name"`
	Phase         string         `json:"phase"`
	ProgressPct   float64        `json:"progress_pct"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata"`
	Timestamp     string         `json:"timestamp"`
}

// Key derives the stable instance id for a payload.
func (p HookPayload) Key() string {
	source := p.SourceClient
	if source == "" {
		source = "unknown"
	}
	switch {
	case p.RunID != "":
		return source + ":" + p.RunID
	case p.CorrelationID != "":
		return source + ":" + p.CorrelationID
	case p.AgentID != "" || p.InitiativeID != "":
		return source + ":" + p.AgentID + ":" + p.InitiativeID
	default:
		return source
	}
}

// RuntimeInstance is one known external runtime participant.
type RuntimeInstance struct {
	ID              string         `json:"id"`
	State           string         `json:"state"`
	SourceClient    string         `json:"sourceClient"`
	DisplayName     string         `json:"displayName,omitempty"`
	RunID           string         `json:"runId,omitempty"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	InitiativeID    string         `json:"initiativeId,omitempty"`
	WorkstreamID    string         `json:"workstreamId,omitempty"`
	TaskID          string         `json:"taskId,omitempty"`
	AgentID         string         `json:"agentId,omitempty"`
	Phase           string         `json:"phase,omitempty"`
	ProgressPct     float64        `json:"progressPct"`
	LastHeartbeatAt string         `json:"lastHeartbeatAt,omitempty"`
	LastEventAt     string         `json:"lastEventAt,omitempty"`
	Event           string         `json:"event,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Fingerprint is the change-detection tuple: identical fingerprints mean
// no runtime.updated event is worth emitting.
func (ri RuntimeInstance) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%.2f|%s",
		ri.State, ri.LastHeartbeatAt, ri.LastEventAt, ri.ProgressPct, ri.Phase)
}

// Registry is the mutex-guarded instance table. The hook handler is the
// only writer; SSE subscribers and snapshots read.
type Registry struct {
	mu         sync.Mutex
	instances  map[string]*RuntimeInstance
	staleAfter time.Duration
	now        func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the clock, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry that ages instances to stale after the
// given heartbeat horizon.
func NewRegistry(staleAfter time.Duration, opts ...RegistryOption) *Registry {
	r := &Registry{
		instances:  make(map[string]*RuntimeInstance),
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply upserts the instance for a hook payload and returns the updated
// copy.
func (r *Registry) Apply(p HookPayload) RuntimeInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.Key()
	inst, ok := r.instances[key]
	if !ok {
		inst = &RuntimeInstance{ID: key, SourceClient: p.SourceClient}
		r.instances[key] = inst
	}

	now := r.now().UTC().Format(time.RFC3339)
	eventAt := entity.ToISO(p.Timestamp)
	if eventAt == "" {
		eventAt = now
	}

	if p.AgentName != "" {
		inst.DisplayName = p.AgentName
	}
	if p.RunID != "" {
		inst.RunID = p.RunID
	}
	if p.CorrelationID != "" {
		inst.CorrelationID = p.CorrelationID
	}
	if p.InitiativeID != "" {
		inst.InitiativeID = p.InitiativeID
	}
	if p.WorkstreamID != "" {
		inst.WorkstreamID = p.WorkstreamID
	}
	if p.TaskID != "" {
		inst.TaskID = p.TaskID
	}
	if p.AgentID != "" {
		inst.AgentID = p.AgentID
	}
	if p.Phase != "" {
		inst.Phase = p.Phase
	}
	if p.ProgressPct > 0 {
		inst.ProgressPct = p.ProgressPct
	}
	if p.Metadata != nil {
		inst.Metadata = p.Metadata
	}

	inst.Event = p.Event
	inst.LastEventAt = eventAt
	if _, beat := heartbeatEvents[p.Event]; beat {
		inst.LastHeartbeatAt = eventAt
	}
	inst.State = stateForEvent(p.Event, inst.State)

	return *inst
}

// stateForEvent maps a hook event to an instance state.
func stateForEvent(event, current string) string {
	switch strings.ToLower(event) {
	case "error", "session_error":
		return StateError
	case "session_end", "idle", "stopped":
		return StateIdle
	case "heartbeat", "session_start", "progress", "message":
		return StateRunning
	default:
		if current == "" {
			return StateRunning
		}
		return current
	}
}

// Snapshot returns a copy of every instance with staleness applied: a
// running instance whose last heartbeat is past the horizon reads as stale.
func (r *Registry) Snapshot() []RuntimeInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.staleAfter)
	out := make([]RuntimeInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		copied := *inst
		if copied.State == StateRunning {
			beat, err := time.Parse(time.RFC3339, copied.LastHeartbeatAt)
			if copied.LastHeartbeatAt == "" || (err == nil && beat.Before(cutoff)) {
				copied.State = StateStale
			}
		}
		out = append(out, copied)
	}
	return out
}

// Get returns a copy of one instance.
func (r *Registry) Get(id string) (RuntimeInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return RuntimeInstance{}, false
	}
	return *inst, true
}
