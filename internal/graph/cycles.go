package graph

// breakCycles removes back-edges found by a DFS three-coloring of the
// dependency graph, pruning both the edge set and per-node dependency ids.
// Returns the number of removed edges; the remaining edge set is a DAG.
func breakCycles(g *Graph, byID map[string]*Node) int {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS stack
		black = 2 // fully explored
	)

	// Adjacency in dependency direction: node -> its dependencies.
	color := make(map[string]int, len(g.Nodes))
	cyclic := make(map[Edge]struct{})

	var visit func(n *Node)
	visit = func(n *Node) {
		color[n.ID] = grey
		for _, dep := range n.DependencyIDs {
			d, ok := byID[dep]
			if !ok {
				continue
			}
			switch color[dep] {
			case grey:
				// Back-edge: dep is an ancestor on the DFS stack.
				cyclic[Edge{From: dep, To: n.ID}] = struct{}{}
			case white:
				visit(d)
			}
		}
		color[n.ID] = black
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white {
			visit(n)
		}
	}

	if len(cyclic) == 0 {
		return 0
	}

	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if _, bad := cyclic[e]; !bad {
			kept = append(kept, e)
		}
	}
	g.Edges = kept

	for _, n := range g.Nodes {
		var deps []string
		for _, dep := range n.DependencyIDs {
			if _, bad := cyclic[Edge{From: dep, To: n.ID}]; !bad {
				deps = append(deps, dep)
			}
		}
		n.DependencyIDs = deps
	}

	return len(cyclic)
}
