package entity

import "strings"

// Entity types recognized by the control plane.
const (
	TypeInitiative = "initiative"
	TypeWorkstream = "workstream"
	TypeMilestone  = "milestone"
	TypeTask       = "task"
	TypeDecision   = "decision"
	TypeArtifact   = "artifact"
	TypeAgent      = "agent"
)

// NormalizeType resolves a type name, singular or plural and in any case,
// to its canonical constant. Unknown types resolve to "".
func NormalizeType(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.TrimSuffix(t, "s")
	switch t {
	case TypeInitiative, TypeWorkstream, TypeMilestone, TypeTask,
		TypeDecision, TypeArtifact, TypeAgent:
		return t
	}
	return ""
}

// Assignee is one normalized assigned agent.
type Assignee struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// priorityLabels maps a label to its canonical numeric priority.
var priorityLabels = map[string]int{
	"urgent": 10,
	"high":   25,
	"medium": 50,
	"low":    75,
}

// dependencyKeys are the alias keys unioned by NormalizeDependencies,
// searched both at top level and under metadata.
var dependencyKeys = []string{
	"dependency_ids", "dependencyIds",
	"dependencies",
	"depends_on", "dependsOn",
	"blocked_by",
}

// NormalizePriority resolves a record's priority to a number in [1,100] and
// a bucket label. Numeric priority wins over a label; with neither present
// the default is 60 with no label.
func NormalizePriority(rec Record) (int, string) {
	if num, ok := rec.Number("priority_num", "priorityNum"); ok {
		n := int(num)
		if n < 1 {
			n = 1
		}
		if n > 100 {
			n = 100
		}
		return n, priorityBucket(n)
	}
	label := strings.ToLower(rec.String("priority", "priority_label", "priorityLabel"))
	if n, ok := priorityLabels[label]; ok {
		return n, label
	}
	return 60, ""
}

func priorityBucket(n int) string {
	switch {
	case n <= 12:
		return "urgent"
	case n <= 30:
		return "high"
	case n <= 60:
		return "medium"
	default:
		return "low"
	}
}

// NormalizeDependencies unions the dependency alias keys at top level and
// under metadata, deduped, order preserved.
func NormalizeDependencies(rec Record) []string {
	var out []string
	seen := make(map[string]struct{})
	appendIDs := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, key := range dependencyKeys {
		appendIDs(rec.StringArray(key))
	}
	if meta := rec.Metadata(); meta != nil {
		for _, key := range dependencyKeys {
			appendIDs(meta.StringArray(key))
		}
	}
	return out
}

// NormalizeAssignees extracts assigned agents from a record, accepting
// plain id strings or {id,name,domain} objects, deduped by id.
func NormalizeAssignees(rec Record) []Assignee {
	var out []Assignee
	seen := make(map[string]struct{})

	collect := func(raw any) {
		list, ok := raw.([]any)
		if !ok {
			return
		}
		for _, item := range list {
			var a Assignee
			switch v := item.(type) {
			case string:
				a.ID = strings.TrimSpace(v)
			case map[string]any:
				r := Record(v)
				a.ID = r.String("id", "agent_id", "agentId")
				a.Name = r.String("name", "agent_name", "agentName")
				a.Domain = strings.ToLower(r.String("domain"))
			}
			if a.ID == "" {
				continue
			}
			if _, ok := seen[a.ID]; ok {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, a)
		}
	}

	sources := []Record{rec}
	if meta := rec.Metadata(); meta != nil {
		sources = append(sources, meta)
	}
	for _, src := range sources {
		for _, key := range []string{"assigned_agents", "assignedAgents", "assignees"} {
			collect(src[key])
		}
	}
	return out
}

// Canonical status values written by the control plane.
const (
	StatusTodo       = "todo"
	StatusActive     = "active"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
)

// Canonical status buckets. Statuses are compared lowercase.

var todoStatuses = map[string]struct{}{
	"todo": {}, "to_do": {}, "open": {}, "backlog": {}, "planned": {}, "pending": {}, "not_started": {},
}

var inProgressStatuses = map[string]struct{}{
	"in_progress": {}, "in-progress": {}, "active": {}, "doing": {}, "running": {}, "started": {},
}

var doneStatuses = map[string]struct{}{
	"done": {}, "completed": {}, "complete": {}, "closed": {}, "shipped": {}, "resolved": {}, "finished": {},
}

// NormalizeStatus lowercases and trims a raw status value.
func NormalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsTodoLike reports whether status belongs to the todo bucket.
func IsTodoLike(status string) bool {
	_, ok := todoStatuses[NormalizeStatus(status)]
	return ok
}

// IsInProgressLike reports whether status belongs to the in-progress bucket.
func IsInProgressLike(status string) bool {
	_, ok := inProgressStatuses[NormalizeStatus(status)]
	return ok
}

// IsDoneLike reports whether status belongs to the done bucket.
func IsDoneLike(status string) bool {
	_, ok := doneStatuses[NormalizeStatus(status)]
	return ok
}

// IsBlocked reports a blocked status.
func IsBlocked(status string) bool { return NormalizeStatus(status) == "blocked" }

// IsPaused reports a paused status.
func IsPaused(status string) bool { return NormalizeStatus(status) == "paused" }

// IsDispatchable reports whether a workstream status permits dispatching
// tasks under it.
func IsDispatchable(status string) bool {
	s := NormalizeStatus(status)
	if s == "" {
		return true
	}
	return IsTodoLike(s) || IsInProgressLike(s) || IsPaused(s)
}
