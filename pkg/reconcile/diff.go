package reconcile

import (
	"reflect"

	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/diagram"
)

// Diff returns the changes that turn from into to, in an order that is safe to apply: removed edges, removed nodes,
// then created or replaced nodes and edges. Replacements are expressed as creates because creates overwrite, which
// also drops attributes that no longer exist. The returned changes carry no id or timestamp.
func Diff(from, to *diagram.Graph) []change.Change {
	return diff(from, to, nil, nil)
}

// DiffWithin is Diff limited to the named nodes and edges. Everything else in from is left as it is, so applying the
// result to from only reverts or replays those elements.
func DiffWithin(from, to *diagram.Graph, nodes, edges []string) []change.Change {
	return diff(from, to, set(nodes), set(edges))
}

// Touched names the nodes and edges that differ between from and to. The slices are never nil.
func Touched(from, to *diagram.Graph) (nodes []string, edges []string) {
	nodes, edges = []string{}, []string{}
	for _, c := range Diff(from, to) {
		if c.Kind.IsEdge() {
			edges = append(edges, c.TargetID)
		} else {
			nodes = append(nodes, c.TargetID)
		}
	}
	return nodes, edges
}

func set(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// diff limits itself to the ids in nodes and edges unless they are nil.
func diff(from, to *diagram.Graph, nodes, edges map[string]bool) []change.Change {
	inNodes := func(id string) bool { return nodes == nil || nodes[id] }
	inEdges := func(id string) bool { return edges == nil || edges[id] }
	if from == nil {
		from = diagram.New()
	}
	if to == nil {
		to = diagram.New()
	}
	var out []change.Change

	for _, id := range from.EdgeIDs() {
		if inEdges(id) && !to.HasEdge(id) {
			out = append(out, change.Change{Kind: change.DeleteEdge, TargetID: id, Payload: change.Payload{}})
		}
	}
	for _, id := range from.NodeIDs() {
		if inNodes(id) && !to.HasNode(id) {
			out = append(out, change.Change{Kind: change.DeleteNode, TargetID: id, Payload: change.Payload{}})
		}
	}
	for _, id := range to.NodeIDs() {
		if !inNodes(id) {
			continue
		}
		n := to.Nodes[id]
		if prev, ok := from.Nodes[id]; ok && reflect.DeepEqual(prev, n) {
			continue
		}
		p := change.Payload{change.KeyKind: n.Kind}
		for k, v := range n.Attributes.Clone() {
			p[k] = v
		}
		out = append(out, change.Change{Kind: change.CreateNode, TargetID: id, Payload: p})
	}
	for _, id := range to.EdgeIDs() {
		if !inEdges(id) {
			continue
		}
		e := to.Edges[id]
		if prev, ok := from.Edges[id]; ok && reflect.DeepEqual(prev, e) {
			continue
		}
		p := change.Payload{change.KeyKind: e.Kind, change.KeySource: e.Source, change.KeyTarget: e.Target}
		for k, v := range e.Attributes.Clone() {
			p[k] = v
		}
		out = append(out, change.Change{Kind: change.CreateEdge, TargetID: id, Payload: p})
	}
	return out
}
