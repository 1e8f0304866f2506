package diagram

import (
	"sort"
)

// Attributes is the opaque bag of values the UI layer hangs off nodes and edges (names, members, multiplicities,
// styling). Values are whatever encoding/json produces: strings, float64, bool, nil, []any and map[string]any.
type Attributes map[string]any

// Node is a class-like entity in the diagram.
type Node struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Edge is a relation between two nodes.
type Edge struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	Kind       string     `json:"kind,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Graph is the shared document. Every edge's Source and Target must name a node in Nodes.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges map[string]*Edge `json:"edges"`
}

func New() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Edges: make(map[string]*Edge),
	}
}

// Clone returns a structural copy of the graph that shares no memory with the receiver. A nil graph clones to an
// empty one.
func (g *Graph) Clone() *Graph {
	out := New()
	if g == nil {
		return out
	}
	for id, n := range g.Nodes {
		if n != nil {
			out.Nodes[id] = n.Clone()
		}
	}
	for id, e := range g.Edges {
		if e != nil {
			out.Edges[id] = e.Clone()
		}
	}
	return out
}

func (n *Node) Clone() *Node {
	return &Node{ID: n.ID, Kind: n.Kind, Attributes: n.Attributes.Clone()}
}

func (e *Edge) Clone() *Edge {
	return &Edge{ID: e.ID, Source: e.Source, Target: e.Target, Kind: e.Kind, Attributes: e.Attributes.Clone()}
}

func (g *Graph) HasNode(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.Nodes[id]
	return ok
}

func (g *Graph) HasEdge(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.Edges[id]
	return ok
}

// RemoveNode deletes the node and every edge touching it.
func (g *Graph) RemoveNode(id string) {
	delete(g.Nodes, id)
	for eid, e := range g.Edges {
		if e.Source == id || e.Target == id {
			delete(g.Edges, eid)
		}
	}
}

// PruneDanglingEdges drops edges whose endpoints are missing and returns how many were removed.
func (g *Graph) PruneDanglingEdges() int {
	removed := 0
	for eid, e := range g.Edges {
		if !g.HasNode(e.Source) || !g.HasNode(e.Target) {
			delete(g.Edges, eid)
			removed++
		}
	}
	return removed
}

// NodeIDs returns the node ids in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EdgeIDs returns the edge ids in sorted order.
func (g *Graph) EdgeIDs() []string {
	ids := make([]string, 0, len(g.Edges))
	for id := range g.Edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone deep copies the attribute bag, recursing into nested maps and slices.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep copies the container types produced by encoding/json. Scalars are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = CloneValue(inner)
		}
		return out
	case Attributes:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = CloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
