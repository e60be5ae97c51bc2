// Package graph builds the mission-control projection for one initiative:
// a four-level dependency graph with cycles broken, ETAs propagated along
// the DAG, budgets derived from the token cost model, and a ranked list of
// recent todo tasks.
package graph

import (
	"regexp"
	"strconv"

	"github.com/useorgx/orgx-local/internal/entity"
)

// Node is the normalized projection of one cloud-plane entity.
type Node struct {
	ID                    string            `json:"id"`
	Type                  string            `json:"type"`
	Title                 string            `json:"title"`
	Status                string            `json:"status"`
	ParentID              string            `json:"parentId,omitempty"`
	InitiativeID          string            `json:"initiativeId,omitempty"`
	WorkstreamID          string            `json:"workstreamId,omitempty"`
	MilestoneID           string            `json:"milestoneId,omitempty"`
	PriorityNum           int               `json:"priorityNum"`
	PriorityLabel         string            `json:"priorityLabel,omitempty"`
	DependencyIDs         []string          `json:"dependencyIds,omitempty"`
	DueDate               string            `json:"dueDate,omitempty"`
	EtaEndAt              string            `json:"etaEndAt,omitempty"`
	ExpectedDurationHours float64           `json:"expectedDurationHours"`
	ExpectedBudgetUSD     float64           `json:"expectedBudgetUsd"`
	AssignedAgents        []entity.Assignee `json:"assignedAgents,omitempty"`
	UpdatedAt             string            `json:"updatedAt,omitempty"`

	// description feeds the duration regex; not part of the projection.
	description string
	// explicitEta records whether EtaEndAt came from the source entity.
	explicitEta bool
	// explicitBudget holds a budget carried by the source entity, if any.
	explicitBudget    float64
	hasExplicitBudget bool
}

// Edge is one dependency edge: From must finish before To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the mission-control projection for one initiative.
type Graph struct {
	Initiative  *Node    `json:"initiative"`
	Nodes       []*Node  `json:"nodes"`
	Edges       []Edge   `json:"edges"`
	RecentTodos []string `json:"recentTodos"`
	Degraded    []string `json:"degraded"`
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// TypeDefaultHours is the fallback expected duration per entity type.
var TypeDefaultHours = map[string]float64{
	entity.TypeInitiative: 40,
	entity.TypeWorkstream: 16,
	entity.TypeMilestone:  6,
	entity.TypeTask:       2,
}

var (
	hoursPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:hours?|hrs?|h)\b`)
	daysPattern  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:days?|d)\b`)
)

// resolveDurationHours applies the duration preference chain: explicit field,
// metadata field, a duration phrase in the description, then the type default.
func resolveDurationHours(rec entity.Record, typ, description string) float64 {
	keys := []string{"expected_duration_hours", "expectedDurationHours", "duration_hours", "durationHours"}
	if v, ok := rec.Number(keys...); ok && v > 0 {
		return v
	}
	if meta := rec.Metadata(); meta != nil {
		if v, ok := meta.Number(keys...); ok && v > 0 {
			return v
		}
	}
	if m := hoursPattern.FindStringSubmatch(description); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return v
		}
	}
	if m := daysPattern.FindStringSubmatch(description); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return v * 24
		}
	}
	if def, ok := TypeDefaultHours[typ]; ok {
		return def
	}
	return TypeDefaultHours[entity.TypeTask]
}

// normalizeNode projects one entity record into a Node. Dependency ids are
// normalized here but pruned to in-graph ids later by the builder.
func normalizeNode(rec entity.Record, typ string) *Node {
	n := &Node{
		ID:     rec.String("id"),
		Type:   typ,
		Title:  rec.String("title", "name"),
		Status: entity.NormalizeStatus(rec.String("status", "state")),
	}
	n.description = rec.String("description", "summary", "body")
	n.ParentID = rec.String("parent_id", "parentId")
	n.InitiativeID = rec.String("initiative_id", "initiativeId")
	n.WorkstreamID = rec.String("workstream_id", "workstreamId")
	n.MilestoneID = rec.String("milestone_id", "milestoneId")
	n.PriorityNum, n.PriorityLabel = entity.NormalizePriority(rec)
	n.DueDate = entity.ToISO(rec.String("due_date", "dueDate", "due"))
	n.UpdatedAt = entity.ToISO(rec.String("updated_at", "updatedAt", "modified_at"))
	n.AssignedAgents = entity.NormalizeAssignees(rec)

	if eta := entity.ToISO(rec.String("eta_end_at", "etaEndAt")); eta != "" {
		n.EtaEndAt = eta
		n.explicitEta = true
	}

	if typ == entity.TypeInitiative && n.InitiativeID == "" {
		n.InitiativeID = n.ID
	}

	// Parent preference order for tasks when parent_id is absent.
	if n.ParentID == "" {
		switch typ {
		case entity.TypeTask:
			switch {
			case n.MilestoneID != "":
				n.ParentID = n.MilestoneID
			case n.WorkstreamID != "":
				n.ParentID = n.WorkstreamID
			default:
				n.ParentID = n.InitiativeID
			}
		case entity.TypeMilestone:
			if n.WorkstreamID != "" {
				n.ParentID = n.WorkstreamID
			} else {
				n.ParentID = n.InitiativeID
			}
		case entity.TypeWorkstream:
			n.ParentID = n.InitiativeID
		}
	}

	n.ExpectedDurationHours = resolveDurationHours(rec, typ, n.description)
	if v, ok := rec.Number("expected_budget_usd", "expectedBudgetUsd", "budget_usd"); ok && v > 0 {
		n.explicitBudget = v
		n.hasExplicitBudget = true
	}

	// Self-references never count as dependencies.
	for _, dep := range entity.NormalizeDependencies(rec) {
		if dep != n.ID {
			n.DependencyIDs = append(n.DependencyIDs, dep)
		}
	}

	return n
}
