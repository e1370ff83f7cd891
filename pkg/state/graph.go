package state

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Node is a character in the relationship graph.
type Node struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Group  string  `json:"group,omitempty"`
	Weight float64 `json:"weight,omitempty"`
}

// Edge is a directed, labelled relationship between two nodes. An edge is
// identified by its (Source, Target) pair.
type Edge struct {
	Source   string  `json:"source"`
	Target   string  `json:"target"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight,omitempty"`
}

// EdgeRef identifies an edge to remove.
type EdgeRef struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// GraphDelta is the add/remove instruction set the Director emits alongside a
// narrative turn.
type GraphDelta struct {
	NodesAdded   []Node    `json:"nodes_added,omitempty"`
	NodesRemoved []string  `json:"nodes_removed,omitempty"`
	EdgesAdded   []Edge    `json:"edges_added,omitempty"`
	EdgesRemoved []EdgeRef `json:"edges_removed,omitempty"`
}

// IsEmpty reports whether the delta carries no instructions.
func (d GraphDelta) IsEmpty() bool {
	return len(d.NodesAdded) == 0 && len(d.NodesRemoved) == 0 &&
		len(d.EdgesAdded) == 0 && len(d.EdgesRemoved) == 0
}

// Graph is the relationship graph. Nodes and edges keep insertion order so
// that summaries and snapshots are stable.
//
// Invariant: every edge's Source and Target name a node in Nodes.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	return Graph{
		Nodes: slices.Clone(g.Nodes),
		Edges: slices.Clone(g.Edges),
	}
}

// Node returns the node with the given id.
func (g Graph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// HasEdge reports whether an edge from source to target exists.
func (g Graph) HasEdge(source, target string) bool {
	return slices.ContainsFunc(g.Edges, func(e Edge) bool {
		return e.Source == source && e.Target == target
	})
}

// ReconcileGraph applies delta to g and returns the resulting graph. The input
// is not modified.
//
// Order of application:
//
//  1. Nodes are upserted by id (a repeated id updates the node in place).
//  2. Nodes are removed, along with every edge touching them.
//  3. Edges are removed by (source, target).
//  4. Edges are upserted by (source, target). An edge naming a node that is
//     not present after steps 1–2 is dropped with a warning.
func ReconcileGraph(g Graph, delta GraphDelta) Graph {
	next := g.Clone()

	for _, n := range delta.NodesAdded {
		if n.ID == "" {
			slog.Warn("graph: dropping node without id", "label", n.Label)
			continue
		}
		if i := slices.IndexFunc(next.Nodes, func(x Node) bool { return x.ID == n.ID }); i >= 0 {
			next.Nodes[i] = n
			continue
		}
		next.Nodes = append(next.Nodes, n)
	}

	if len(delta.NodesRemoved) > 0 {
		next.Nodes = slices.DeleteFunc(next.Nodes, func(n Node) bool {
			return slices.Contains(delta.NodesRemoved, n.ID)
		})
		next.Edges = slices.DeleteFunc(next.Edges, func(e Edge) bool {
			return slices.Contains(delta.NodesRemoved, e.Source) ||
				slices.Contains(delta.NodesRemoved, e.Target)
		})
	}

	for _, ref := range delta.EdgesRemoved {
		next.Edges = slices.DeleteFunc(next.Edges, func(e Edge) bool {
			return e.Source == ref.Source && e.Target == ref.Target
		})
	}

	known := make(map[string]struct{}, len(next.Nodes))
	for _, n := range next.Nodes {
		known[n.ID] = struct{}{}
	}
	for _, e := range delta.EdgesAdded {
		_, srcOK := known[e.Source]
		_, dstOK := known[e.Target]
		if !srcOK || !dstOK {
			slog.Warn("graph: dropping edge with unknown endpoint",
				"source", e.Source, "target", e.Target, "relation", e.Relation)
			continue
		}
		if i := slices.IndexFunc(next.Edges, func(x Edge) bool {
			return x.Source == e.Source && x.Target == e.Target
		}); i >= 0 {
			next.Edges[i] = e
			continue
		}
		next.Edges = append(next.Edges, e)
	}

	return next
}

// Summary renders a compact, line-oriented description of the graph for the
// Director prompt.
func (g Graph) Summary() string {
	if len(g.Nodes) == 0 {
		return ""
	}
	labels := make(map[string]string, len(g.Nodes))
	var b strings.Builder
	b.WriteString("Characters:\n")
	for _, n := range g.Nodes {
		labels[n.ID] = n.Label
		fmt.Fprintf(&b, "- %s (%s)", n.Label, n.ID)
		if n.Group != "" {
			fmt.Fprintf(&b, " [%s]", n.Group)
		}
		b.WriteByte('\n')
	}
	if len(g.Edges) > 0 {
		b.WriteString("Relationships:\n")
		for _, e := range g.Edges {
			fmt.Fprintf(&b, "- %s -[%s %.0f]-> %s\n", labels[e.Source], e.Relation, e.Weight, labels[e.Target])
		}
	}
	return b.String()
}
