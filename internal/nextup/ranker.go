package nextup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/useorgx/orgx-local/internal/agentctx"
	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/graph"
	"github.com/useorgx/orgx-local/internal/mediator"
	"github.com/useorgx/orgx-local/internal/transcript"
)

// Queue states, in rank order.
const (
	QueueRunning = "running"
	QueueQueued  = "queued"
	QueueBlocked = "blocked"
	QueueIdle    = "idle"
)

var queueStateRank = map[string]int{
	QueueRunning: 0,
	QueueQueued:  1,
	QueueBlocked: 2,
	QueueIdle:    3,
}

// initiativePriorityRank buckets initiative priority labels; unknown labels
// rank with medium.
func initiativePriorityRank(label string) int {
	switch strings.ToLower(label) {
	case "critical", "p0", "urgent":
		return 0
	case "high":
		return 1
	case "low":
		return 3
	default:
		return 2
	}
}

// QueueItem is one ranked next-up entry.
type QueueItem struct {
	InitiativeID    string `json:"initiativeId"`
	InitiativeTitle string `json:"initiativeTitle,omitempty"`
	WorkstreamID    string `json:"workstreamId"`
	WorkstreamTitle string `json:"workstreamTitle,omitempty"`
	TaskID          string `json:"taskId,omitempty"`
	TaskTitle       string `json:"taskTitle,omitempty"`
	QueueState      string `json:"queueState"`
	BlockReason     string `json:"blockReason,omitempty"`
	RunnerAgentID   string `json:"runnerAgentId"`
	RunnerSource    string `json:"runnerSource"`
	PinnedRank      *int   `json:"pinnedRank,omitempty"`
	PriorityNum     int    `json:"priorityNum"`
	DueDate         string `json:"dueDate,omitempty"`

	initiativePriority int
}

// Result is a ranked next-up read.
type Result struct {
	OK       bool        `json:"ok"`
	Total    int         `json:"total"`
	Items    []QueueItem `json:"items"`
	Degraded []string    `json:"degraded"`
}

// AutoRuns reports whether an auto-continue run covers a workstream.
type AutoRuns interface {
	RunningFor(initiativeID, workstreamID string) (agentID string, ok bool)
}

// Ranker builds next-up queues from the graph, the pins, the live-agent
// feed, and the transcript fallback.
type Ranker struct {
	builder   *graph.Builder
	med       *mediator.Mediator
	pins      *PinStore
	runs      AutoRuns
	contexts  *agentctx.Store
	agentsDir string
}

// NewRanker creates a Ranker. runs may be nil.
func NewRanker(builder *graph.Builder, med *mediator.Mediator, pins *PinStore, runs AutoRuns, contexts *agentctx.Store, agentsDir string) *Ranker {
	return &Ranker{
		builder:   builder,
		med:       med,
		pins:      pins,
		runs:      runs,
		contexts:  contexts,
		agentsDir: agentsDir,
	}
}

// Build computes the ranked queue, optionally scoped to one initiative.
func (r *Ranker) Build(ctx context.Context, initiativeID string) Result {
	res := Result{OK: true, Degraded: []string{}}

	ids := []string{initiativeID}
	if initiativeID == "" {
		list := r.med.Initiatives(ctx)
		if list.Degraded {
			res.Degraded = append(res.Degraded, "initiative list degraded: "+list.Error)
		}
		ids = ids[:0]
		for _, rec := range list.Items {
			if id := rec.String("id"); id != "" {
				ids = append(ids, id)
			}
		}
	}

	liveAgents := r.liveAgentsByInitiative(ctx, ids, &res.Degraded)

	var items []QueueItem
	for _, id := range ids {
		g := r.builder.Build(ctx, id)
		res.Degraded = append(res.Degraded, g.Degraded...)
		items = append(items, r.itemsForInitiative(g, liveAgents[id])...)
	}

	if len(items) == 0 {
		items = r.fallbackItems()
	}

	sortItems(items)
	res.Items = items
	res.Total = len(items)
	return res
}

// itemsForInitiative derives one queue item per workstream.
func (r *Ranker) itemsForInitiative(g *graph.Graph, liveAgent string) []QueueItem {
	byID := graph.IDIndex(g)
	initiative := g.Initiative
	if initiative == nil {
		return nil
	}

	var items []QueueItem
	for _, ws := range g.Nodes {
		if ws.Type != entity.TypeWorkstream {
			continue
		}

		item := QueueItem{
			InitiativeID:       initiative.ID,
			InitiativeTitle:    initiative.Title,
			WorkstreamID:       ws.ID,
			WorkstreamTitle:    ws.Title,
			initiativePriority: initiativePriorityRank(initiative.PriorityLabel),
		}
		if rank, ok := r.pins.Rank(initiative.ID, ws.ID); ok {
			item.PinnedRank = &rank
		}

		candidate, ready := r.selectCandidate(g, byID, initiative.ID, ws.ID)
		if candidate != nil {
			item.TaskID = candidate.ID
			item.TaskTitle = candidate.Title
			item.PriorityNum = candidate.PriorityNum
			item.DueDate = candidate.DueDate
		}

		switch {
		case r.runningFor(initiative.ID, ws.ID) != "":
			item.QueueState = QueueRunning
		case candidate != nil && ready:
			item.QueueState = QueueQueued
		case candidate != nil:
			item.QueueState = QueueBlocked
			item.BlockReason = blockReason(candidate, ws, byID)
		default:
			item.QueueState = QueueIdle
		}

		item.RunnerAgentID, item.RunnerSource = r.runnerAgent(initiative, ws, candidate, liveAgent)
		items = append(items, item)
	}
	return items
}

// selectCandidate picks the workstream's task: the pinned preference when
// ready, then the first ready recent todo, then the first todo at all.
func (r *Ranker) selectCandidate(g *graph.Graph, byID map[string]*graph.Node, initiativeID, workstreamID string) (*graph.Node, bool) {
	if pin, ok := r.pins.Get(initiativeID, workstreamID); ok && pin.PreferredTaskID != "" {
		if n := byID[pin.PreferredTaskID]; n != nil && entity.IsTodoLike(n.Status) &&
			graph.IsReady(n, byID) && !graph.HasBlockedParent(n, byID) {
			return n, true
		}
	}

	var firstTodo *graph.Node
	for _, id := range g.RecentTodos {
		n := byID[id]
		if n == nil || n.WorkstreamID != workstreamID || !entity.IsTodoLike(n.Status) {
			continue
		}
		if firstTodo == nil {
			firstTodo = n
		}
		if graph.IsReady(n, byID) && !graph.HasBlockedParent(n, byID) {
			return n, true
		}
	}
	return firstTodo, false
}

// blockReason names up to two unfinished dependencies, or the blocked
// parent.
func blockReason(task *graph.Node, ws *graph.Node, byID map[string]*graph.Node) string {
	if graph.HasBlockedParent(task, byID) {
		return "Parent milestone/workstream is blocked"
	}
	var waiting []string
	for _, dep := range task.DependencyIDs {
		d, ok := byID[dep]
		if !ok || entity.IsDoneLike(d.Status) {
			continue
		}
		name := d.Title
		if name == "" {
			name = d.ID
		}
		waiting = append(waiting, name)
		if len(waiting) == 2 {
			break
		}
	}
	if len(waiting) > 0 {
		return "Waiting on " + strings.Join(waiting, " and ")
	}
	if ws != nil && entity.IsBlocked(ws.Status) {
		return "Parent milestone/workstream is blocked"
	}
	return "Not ready"
}

// runnerAgent resolves the agent that would run the work: task assignee,
// inferred workstream/initiative assignee, live agent, auto-continue
// agent, then "main".
func (r *Ranker) runnerAgent(initiative, ws, task *graph.Node, liveAgent string) (string, string) {
	if task != nil && len(task.AssignedAgents) > 0 {
		return task.AssignedAgents[0].ID, "assigned"
	}
	for _, n := range []*graph.Node{ws, initiative} {
		if n != nil && len(n.AssignedAgents) > 0 {
			return n.AssignedAgents[0].ID, "inferred"
		}
	}
	if liveAgent != "" {
		return liveAgent, "live"
	}
	if agent := r.runningFor(initiative.ID, ws.ID); agent != "" {
		return agent, "autocontinue"
	}
	return "main", "default"
}

func (r *Ranker) runningFor(initiativeID, workstreamID string) string {
	if r.runs == nil {
		return ""
	}
	if agent, ok := r.runs.RunningFor(initiativeID, workstreamID); ok {
		return agent
	}
	return ""
}

// liveAgentsByInitiative fetches the first live agent id per initiative.
func (r *Ranker) liveAgentsByInitiative(ctx context.Context, ids []string, degraded *[]string) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		list := r.med.LiveAgents(ctx, id)
		if list.Degraded {
			*degraded = append(*degraded, fmt.Sprintf("live agents degraded for %s: %s", id, list.Error))
		}
		for _, rec := range list.Items {
			if agent := rec.String("agent_id", "agentId"); agent != "" {
				out[id] = agent
				break
			}
		}
	}
	return out
}

// fallbackItems synthesizes queue entries from the transcript session tree
// grouped by (initiative, workstream), latest session first.
func (r *Ranker) fallbackItems() []QueueItem {
	nodes := transcript.Snapshot(r.agentsDir)
	if len(nodes) == 0 {
		return nil
	}

	sessionRun := map[string]agentctx.RunContext{}
	for _, rc := range r.contexts.Runs() {
		if rc.SessionID != "" {
			if _, ok := sessionRun[rc.SessionID]; !ok {
				sessionRun[rc.SessionID] = rc
			}
		}
	}

	seen := map[string]bool{}
	var items []QueueItem
	// Snapshot order is newest first, so the first node per group wins.
	for _, node := range nodes {
		rc := sessionRun[node.SessionID]
		key := rc.InitiativeID + "\x00" + rc.WorkstreamID
		if seen[key] {
			continue
		}
		seen[key] = true
		items = append(items, QueueItem{
			InitiativeID:       rc.InitiativeID,
			WorkstreamID:       rc.WorkstreamID,
			TaskID:             rc.TaskID,
			QueueState:         QueueIdle,
			RunnerAgentID:      node.AgentID,
			RunnerSource:       "fallback",
			initiativePriority: initiativePriorityRank(""),
		})
	}
	return items
}

// sortItems applies the stable ranking order.
func sortItems(items []QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ra, rb := queueStateRank[a.QueueState], queueStateRank[b.QueueState]; ra != rb {
			return ra < rb
		}
		if pa, pb := pinRank(a.PinnedRank), pinRank(b.PinnedRank); pa != pb {
			return pa < pb
		}
		if a.initiativePriority != b.initiativePriority {
			return a.initiativePriority < b.initiativePriority
		}
		if a.PriorityNum != b.PriorityNum {
			return a.PriorityNum < b.PriorityNum
		}
		if a.DueDate != b.DueDate {
			return isoLess(a.DueDate, b.DueDate)
		}
		if a.InitiativeTitle != b.InitiativeTitle {
			return a.InitiativeTitle < b.InitiativeTitle
		}
		return a.WorkstreamTitle < b.WorkstreamTitle
	})
}

// pinRank orders pinned items before unpinned ones.
func pinRank(rank *int) int {
	if rank == nil {
		return int(^uint(0) >> 1)
	}
	return *rank
}

// isoLess compares ISO timestamps with empties last.
func isoLess(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	return a < b
}
