// Package cloud is the client for the remote orchestration API. The rest of
// the control plane talks to the Client interface; the mediator wraps it
// with local fallback so callers never see the cloud plane's availability.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/useorgx/orgx-local/internal/entity"
)

// ErrUnauthorized marks a 401/unauthorized response from the cloud plane.
var ErrUnauthorized = errors.New("cloud: unauthorized")

// StatusError is a non-2xx cloud response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cloud: status %d: %s", e.Code, e.Message)
}

// IsUnauthorized reports whether err is an unauthorized cloud response.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Code == 401
}

// ActivityEvent is one normalized activity feed entry.
type ActivityEvent struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Level        string         `json:"level,omitempty"`
	Message      string         `json:"message,omitempty"`
	InitiativeID string         `json:"initiative_id,omitempty"`
	WorkstreamID string         `json:"workstream_id,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	Timestamp    string         `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DecisionRequest asks the cloud plane for an operator decision.
type DecisionRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	InitiativeID string `json:"initiative_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
}

// GuardCheck is one spawn-guard sub-check. Passed is a pointer so an absent
// check is distinguishable from a failed one.
type GuardCheck struct {
	Passed *bool `json:"passed"`
}

// SpawnGuardChecks carries the individual spawn-guard checks.
type SpawnGuardChecks struct {
	RateLimit *GuardCheck `json:"rateLimit,omitempty"`
}

// SpawnGuardResult is the cloud plane's verdict on a dispatch.
type SpawnGuardResult struct {
	Allowed       bool             `json:"allowed"`
	BlockedReason string           `json:"blockedReason,omitempty"`
	ModelTier     string           `json:"modelTier,omitempty"`
	Checks        SpawnGuardChecks `json:"checks"`
}

// RateLimited reports a retryable rate-limit block, as opposed to a hard
// policy block.
func (r SpawnGuardResult) RateLimited() bool {
	return r.Checks.RateLimit != nil && r.Checks.RateLimit.Passed != nil && !*r.Checks.RateLimit.Passed
}

// Change is one entry of a batched changeset mutation.
type Change struct {
	EntityID string         `json:"entity_id"`
	Type     string         `json:"type"`
	Patch    map[string]any `json:"patch"`
}

// Client is the cloud-plane surface consumed by the control plane.
type Client interface {
	// Reads.
	ListEntities(ctx context.Context, typ, initiativeID string, limit int) ([]entity.Record, error)
	ListSessions(ctx context.Context, filter Filter) ([]entity.Record, error)
	ListActivity(ctx context.Context, filter Filter) ([]entity.Record, error)
	ListAgents(ctx context.Context) ([]entity.Record, error)
	ListLiveAgents(ctx context.Context, initiativeID string) ([]entity.Record, error)
	ListInitiatives(ctx context.Context) ([]entity.Record, error)
	ListDecisions(ctx context.Context, filter Filter) ([]entity.Record, error)
	ListHandoffs(ctx context.Context, filter Filter) ([]entity.Record, error)
	GetDashboard(ctx context.Context) (entity.Record, error)
	GetPlan(ctx context.Context) (string, error)

	// Writes.
	CreateEntity(ctx context.Context, typ string, payload map[string]any) (entity.Record, error)
	UpdateEntity(ctx context.Context, typ, id string, patch map[string]any) (entity.Record, error)
	UpdateEntityStatus(ctx context.Context, typ, id, status string) error
	ApplyChangeset(ctx context.Context, changes []Change, idempotencyKey string) error
	EmitActivity(ctx context.Context, event ActivityEvent) error
	RequestDecision(ctx context.Context, req DecisionRequest) error
	CheckSpawnGuard(ctx context.Context, domain, taskID string) (SpawnGuardResult, error)

	// StreamLive opens the upstream live SSE feed.
	StreamLive(ctx context.Context) (io.ReadCloser, error)
}

// Filter narrows list reads. Zero values mean no constraint.
type Filter struct {
	InitiativeID string
	RunID        string
	Since        time.Time
	IncludeIdle  bool
	Limit        int
}
