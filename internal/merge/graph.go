package merge

import (
	"collabtext/internal/op"
)

// Graph is a memory graph field: an observed-remove set of nodes and one of
// edges keyed by op.EdgeKey. An edge is visible only while both endpoints
// are.
type Graph struct {
	Nodes Set `json:"nodes"`
	Edges Set `json:"edges"`
}

// Prepare resolves tags and tombstones against what the author observed at
// base. Removing a node also tombstones every observed edge that touches it.
func (g Graph) Prepare(opID string, base uint64, ch op.GraphChange) op.GraphChange {
	ch.Nodes = g.Nodes.Prepare(opID, base, ch.Nodes)
	ch.Edges = g.Edges.Prepare(opID, base, ch.Edges)

	removed := make(map[string]bool, len(ch.Nodes.Remove))
	for _, n := range ch.Nodes.Remove {
		removed[n] = true
	}
	if len(removed) == 0 {
		return ch
	}
	for _, edge := range g.Edges.Elements() {
		from, to, ok := op.ParseEdgeKey(edge)
		if ok && (removed[from] || removed[to]) {
			ch.Edges.Tombstones = append(ch.Edges.Tombstones, g.Edges.Observed(edge, base)...)
		}
	}
	return ch
}

func (g Graph) Apply(ch op.GraphChange, seq uint64) Graph {
	return Graph{Nodes: g.Nodes.Apply(ch.Nodes, seq), Edges: g.Edges.Apply(ch.Edges, seq)}
}

func (g Graph) Join(other Graph) Graph {
	return Graph{Nodes: g.Nodes.Join(other.Nodes), Edges: g.Edges.Join(other.Edges)}
}

func (g Graph) Clone() Graph {
	return Graph{Nodes: g.Nodes.Clone(), Edges: g.Edges.Clone()}
}

// HasNode reports whether the node is present.
func (g Graph) HasNode(n string) bool {
	return g.Nodes.Contains(n)
}

// VisibleEdges returns the edges whose endpoints are both present.
func (g Graph) VisibleEdges() []string {
	var out []string
	for _, edge := range g.Edges.Elements() {
		from, to, ok := op.ParseEdgeKey(edge)
		if ok && g.Nodes.Contains(from) && g.Nodes.Contains(to) {
			out = append(out, edge)
		}
	}
	return out
}
