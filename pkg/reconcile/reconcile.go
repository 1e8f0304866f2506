// Package reconcile applies validated changes to graph snapshots. Nothing here mutates its inputs.
package reconcile

import (
	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/diagram"
)

// Apply returns the graph that results from applying c to g. It should only be called once conflict detection has
// cleared the change. Sub-changes of a batch are applied in order and application stops at the first sub-change that
// would need conflict handling.
func Apply(c change.Change, g *diagram.Graph) *diagram.Graph {
	out := g.Clone()
	applyInPlace(c, out)
	return out
}

// applyInPlace mutates g and reports whether the change could be applied cleanly.
func applyInPlace(c change.Change, g *diagram.Graph) bool {
	switch c.Kind {
	case change.CreateNode:
		g.Nodes[c.TargetID] = &diagram.Node{
			ID:         c.TargetID,
			Kind:       c.Payload.String(change.KeyKind),
			Attributes: c.Payload.Attributes(),
		}
		return true

	case change.UpdateNode:
		n, ok := g.Nodes[c.TargetID]
		if !ok {
			return false
		}
		if k := c.Payload.String(change.KeyKind); k != "" {
			n.Kind = k
		}
		n.Attributes = merge(n.Attributes, c.Payload.Attributes())
		return true

	case change.DeleteNode:
		if !g.HasNode(c.TargetID) {
			return false
		}
		g.RemoveNode(c.TargetID)
		return true

	case change.CreateEdge:
		source, target := c.Payload.String(change.KeySource), c.Payload.String(change.KeyTarget)
		if !g.HasNode(source) || !g.HasNode(target) {
			return false
		}
		g.Edges[c.TargetID] = &diagram.Edge{
			ID:         c.TargetID,
			Source:     source,
			Target:     target,
			Kind:       c.Payload.String(change.KeyKind),
			Attributes: c.Payload.Attributes(),
		}
		return true

	case change.UpdateEdge:
		e, ok := g.Edges[c.TargetID]
		if !ok {
			return false
		}
		source, target := c.Payload.String(change.KeySource), c.Payload.String(change.KeyTarget)
		if source == "" {
			source = e.Source
		}
		if target == "" {
			target = e.Target
		}
		if !g.HasNode(source) || !g.HasNode(target) {
			return false
		}
		e.Source, e.Target = source, target
		if k := c.Payload.String(change.KeyKind); k != "" {
			e.Kind = k
		}
		e.Attributes = merge(e.Attributes, c.Payload.Attributes())
		return true

	case change.DeleteEdge:
		if !g.HasEdge(c.TargetID) {
			return false
		}
		delete(g.Edges, c.TargetID)
		return true

	case change.Batch:
		for _, sub := range c.Changes {
			if !applyInPlace(sub, g) {
				return false
			}
		}
		return true
	}
	return false
}

func merge(into diagram.Attributes, fields diagram.Attributes) diagram.Attributes {
	if into == nil {
		into = make(diagram.Attributes, len(fields))
	}
	for k, v := range fields {
		into[k] = v
	}
	return into
}
