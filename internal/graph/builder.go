package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/useorgx/orgx-local/internal/config"
	"github.com/useorgx/orgx-local/internal/entity"
)

// Fetch limits per entity type.
const (
	limitInitiatives = 300
	limitWorkstreams = 500
	limitMilestones  = 700
	limitTasks       = 1200
)

// Source lists entities of one type scoped to an initiative. The mediator
// implements this over the cloud plane with local fallback.
type Source interface {
	ListEntities(ctx context.Context, typ, initiativeID string, limit int) ([]entity.Record, error)
}

// Builder assembles mission-control graphs.
type Builder struct {
	source Source
	budget config.Budget
	now    func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder over the given entity source.
func NewBuilder(source Source, budget config.Budget, opts ...BuilderOption) *Builder {
	b := &Builder{source: source, budget: budget, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the graph for one initiative. It never fails: fetch
// errors empty the affected list and append a degraded reason, and the
// result always carries whatever could be computed.
func (b *Builder) Build(ctx context.Context, initiativeID string) *Graph {
	g := &Graph{Degraded: []string{}}

	lists := b.fetchAll(ctx, initiativeID, g)

	var initiative *Node
	for _, rec := range lists[entity.TypeInitiative] {
		n := normalizeNode(rec, entity.TypeInitiative)
		if n.ID == initiativeID || (initiative == nil && n.ID != "") {
			initiative = n
		}
	}
	if initiative == nil {
		initiative = &Node{
			ID:                    initiativeID,
			Type:                  entity.TypeInitiative,
			Title:                 initiativeID,
			Status:                "active",
			InitiativeID:          initiativeID,
			PriorityNum:           60,
			ExpectedDurationHours: TypeDefaultHours[entity.TypeInitiative],
		}
		g.Degraded = append(g.Degraded, "initiative entity missing; placeholder synthesized")
	}

	nodes := []*Node{initiative}
	for _, spec := range []struct {
		typ string
	}{{entity.TypeWorkstream}, {entity.TypeMilestone}, {entity.TypeTask}} {
		for _, rec := range lists[spec.typ] {
			n := normalizeNode(rec, spec.typ)
			if n.ID == "" {
				continue
			}
			if n.InitiativeID == "" {
				n.InitiativeID = initiativeID
			}
			nodes = append(nodes, n)
		}
	}
	g.Initiative = initiative
	g.Nodes = nodes

	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	// Prune dependency ids to those present in this graph, then build the
	// deduped edge set dep -> node. Initiatives carry no incoming edges.
	seenEdge := make(map[Edge]struct{})
	for _, n := range nodes {
		if n.Type == entity.TypeInitiative {
			n.DependencyIDs = nil
			continue
		}
		var kept []string
		for _, dep := range n.DependencyIDs {
			if _, ok := byID[dep]; !ok {
				continue
			}
			kept = append(kept, dep)
			e := Edge{From: dep, To: n.ID}
			if _, dup := seenEdge[e]; !dup {
				seenEdge[e] = struct{}{}
				g.Edges = append(g.Edges, e)
			}
		}
		n.DependencyIDs = kept
	}

	if removed := breakCycles(g, byID); removed > 0 {
		plural := ""
		if removed != 1 {
			plural = "s"
		}
		g.Degraded = append(g.Degraded, fmt.Sprintf("%d cyclic dependency edge%s removed", removed, plural))
	}

	b.annotateETAs(g, byID)
	b.coercePausedInitiative(g)

	for _, n := range nodes {
		n.ExpectedBudgetUSD = resolveBudget(b.budget, n.explicitBudget, n.hasExplicitBudget,
			n.ExpectedDurationHours, n.description)
	}

	g.RecentTodos = rankRecentTodos(g, byID)
	return g
}

// fetchAll retrieves the four entity lists in parallel. Each failure is
// captured as a degraded reason and yields an empty list.
func (b *Builder) fetchAll(ctx context.Context, initiativeID string, g *Graph) map[string][]entity.Record {
	specs := []struct {
		typ   string
		limit int
	}{
		{entity.TypeInitiative, limitInitiatives},
		{entity.TypeWorkstream, limitWorkstreams},
		{entity.TypeMilestone, limitMilestones},
		{entity.TypeTask, limitTasks},
	}

	type result struct {
		typ  string
		recs []entity.Record
		err  error
	}

	results := make([]result, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, typ string, limit int) {
			defer wg.Done()
			recs, err := b.source.ListEntities(ctx, typ, initiativeID, limit)
			results[i] = result{typ: typ, recs: recs, err: err}
		}(i, spec.typ, spec.limit)
	}
	wg.Wait()

	lists := make(map[string][]entity.Record, len(specs))
	for _, res := range results {
		if res.err != nil {
			g.Degraded = append(g.Degraded, fmt.Sprintf("failed to list %ss: %v", res.typ, res.err))
			lists[res.typ] = nil
			continue
		}
		lists[res.typ] = res.recs
	}
	return lists
}

// annotateETAs computes etaEndAt for every node with memoized recursion over
// dependencies. Explicit etaEndAt or dueDate overrides win. A revisit after
// cycle breaking should be impossible; it falls back to now and is reported.
func (b *Builder) annotateETAs(g *Graph, byID map[string]*Node) {
	now := b.now().UnixMilli()
	memo := make(map[string]int64, len(g.Nodes))
	visiting := make(map[string]bool)
	revisits := 0

	var etaEpoch func(n *Node) int64
	etaEpoch = func(n *Node) int64 {
		if v, ok := memo[n.ID]; ok {
			return v
		}
		if visiting[n.ID] {
			revisits++
			return now
		}
		visiting[n.ID] = true
		defer delete(visiting, n.ID)

		var eta int64
		switch {
		case n.explicitEta:
			eta = entity.ParseISO(n.EtaEndAt)
		case n.DueDate != "":
			eta = entity.ParseISO(n.DueDate)
		}
		if eta == 0 {
			var depMax int64
			for _, dep := range n.DependencyIDs {
				if d, ok := byID[dep]; ok {
					if v := etaEpoch(d); v > depMax {
						depMax = v
					}
				}
			}
			start := now
			if depMax > start {
				start = depMax
			}
			eta = start + int64(n.ExpectedDurationHours*float64(time.Hour/time.Millisecond))
		}
		memo[n.ID] = eta
		return eta
	}

	for _, n := range g.Nodes {
		eta := etaEpoch(n)
		if !n.explicitEta {
			n.EtaEndAt = time.UnixMilli(eta).UTC().Format(time.RFC3339)
		}
	}
	if revisits > 0 {
		g.Degraded = append(g.Degraded, fmt.Sprintf("eta recursion revisited %d node(s); fell back to now", revisits))
	}
}

// coercePausedInitiative marks an active initiative paused when nothing is
// actually moving: no in-progress task and at least one todo task.
func (b *Builder) coercePausedInitiative(g *Graph) {
	if g.Initiative == nil || g.Initiative.Status != "active" {
		return
	}
	var hasTodo bool
	for _, n := range g.Nodes {
		if n.Type != entity.TypeTask {
			continue
		}
		if entity.IsInProgressLike(n.Status) {
			return
		}
		if entity.IsTodoLike(n.Status) {
			hasTodo = true
		}
	}
	if hasTodo {
		g.Initiative.Status = "paused"
	}
}

// IsReady reports whether every dependency of the node is done-like.
func IsReady(n *Node, byID map[string]*Node) bool {
	for _, dep := range n.DependencyIDs {
		if d, ok := byID[dep]; ok && !entity.IsDoneLike(d.Status) {
			return false
		}
	}
	return true
}

// HasBlockedParent reports whether the node's milestone or workstream is
// blocked.
func HasBlockedParent(n *Node, byID map[string]*Node) bool {
	for _, id := range []string{n.MilestoneID, n.WorkstreamID} {
		if id == "" {
			continue
		}
		if p, ok := byID[id]; ok && entity.IsBlocked(p.Status) {
			return true
		}
	}
	return false
}

// rankRecentTodos orders todo tasks by (ready desc, unblocked-parent desc,
// priority asc, dueDate asc, etaEndAt asc, updatedAt asc) and returns their ids.
func rankRecentTodos(g *Graph, byID map[string]*Node) []string {
	type ranked struct {
		node    *Node
		ready   bool
		blocked bool
	}
	var todos []ranked
	for _, n := range g.Nodes {
		if n.Type != entity.TypeTask || !entity.IsTodoLike(n.Status) {
			continue
		}
		todos = append(todos, ranked{
			node:    n,
			ready:   IsReady(n, byID),
			blocked: HasBlockedParent(n, byID),
		})
	}

	sort.SliceStable(todos, func(i, j int) bool {
		a, b := todos[i], todos[j]
		if a.ready != b.ready {
			return a.ready
		}
		if a.blocked != b.blocked {
			return !a.blocked
		}
		if a.node.PriorityNum != b.node.PriorityNum {
			return a.node.PriorityNum < b.node.PriorityNum
		}
		if a.node.DueDate != b.node.DueDate {
			return isoLess(a.node.DueDate, b.node.DueDate)
		}
		if a.node.EtaEndAt != b.node.EtaEndAt {
			return isoLess(a.node.EtaEndAt, b.node.EtaEndAt)
		}
		return isoLess(a.node.UpdatedAt, b.node.UpdatedAt)
	})

	out := make([]string, 0, len(todos))
	for _, t := range todos {
		out = append(out, t.node.ID)
	}
	return out
}

// isoLess orders ISO timestamps ascending with empties last.
func isoLess(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	return a < b
}

// IDIndex builds a node lookup for a graph.
func IDIndex(g *Graph) map[string]*Node {
	byID := make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		byID[n.ID] = n
	}
	return byID
}
