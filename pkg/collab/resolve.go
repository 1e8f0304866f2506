package collab

import (
	"context"
	"fmt"

	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/conflict"
	"github.com/astromechza/diagram-sync/pkg/reconcile"
)

// Resolve closes an open conflict with one of the strategies it offers.
func (c *Coordinator) Resolve(ctx context.Context, conflictID string, strategy conflict.Strategy) error {
	return c.do(ctx, func() error {
		oc, ok := c.conflicts[conflictID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownConflict, conflictID)
		}
		if !oc.record.Allows(strategy) {
			return fmt.Errorf("%w: %s for %s", ErrUnsupportedStrategy, strategy, oc.record.Kind)
		}
		return c.resolve(oc, strategy)
	})
}

func (c *Coordinator) resolve(oc *openConflict, strategy conflict.Strategy) error {
	r := oc.record
	if oc.timer != nil {
		oc.timer.Stop()
	}
	delete(c.conflicts, r.ID)
	defer c.emit(Event{Type: ConflictResolved, Conflict: copyRecord(r), Strategy: strategy})

	switch strategy {
	case conflict.AcceptRemote:
		c.applyRemote(r.Remote, true)
	case conflict.KeepLocal:
		return c.reassertLocal(r, false)
	case conflict.AttemptMerge:
		// remote fields land first and the local change is laid on top, so only overlapping fields lose the remote value
		c.applyRemote(r.Remote, true)
		return c.reassertLocal(r, true)
	case conflict.Ignore:
	case conflict.Recreate:
		return c.recreate(r)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedStrategy, strategy)
	}
	return nil
}

// reassertLocal re-sends the local side of a conflict with a fresh timestamp so peers converge on it. When merging, a
// local create of an element that exists is sent as an update so it does not wipe the remote fields.
func (c *Coordinator) reassertLocal(r *conflict.Record, merge bool) error {
	if r.Local == nil {
		return nil
	}
	local := r.Local.Change.Clone()
	if merge {
		switch {
		case local.Kind == change.CreateNode && c.graph.HasNode(local.TargetID):
			local.Kind = change.UpdateNode
		case local.Kind == change.CreateEdge && c.graph.HasEdge(local.TargetID):
			local.Kind = change.UpdateEdge
		}
	}
	local.ID = change.NewChangeID()
	local.Timestamp = c.builder.Timestamp()
	c.graph = reconcile.Apply(local, c.graph)
	c.emitGraph()
	return c.commit(local)
}

// recreate restores the element a remote change referred to and then applies that change as a local edit.
func (c *Coordinator) recreate(r *conflict.Record) error {
	var failing *change.Change
	for _, leaf := range change.Leaves(r.Remote) {
		if leaf.TargetID == r.TargetID {
			leaf := leaf
			failing = &leaf
			break
		}
	}
	if failing == nil {
		return nil
	}

	var restore change.Change
	switch {
	case r.MissingID != "" && r.MissingID != failing.TargetID:
		restore = c.builder.Build(change.CreateNode, r.MissingID, c.lastKnownNode(r.MissingID))
	case failing.Kind == change.UpdateNode:
		restore = c.builder.Build(change.CreateNode, failing.TargetID, failing.Payload)
	case failing.Kind == change.UpdateEdge:
		restore = c.builder.Build(change.CreateEdge, failing.TargetID, failing.Payload)
	default:
		// deletes of something already gone leave nothing to restore
		return nil
	}

	remote := r.Remote.Clone()
	return c.submitLocal(c.builder.Batch(restore, remote), true)
}

// lastKnownNode rebuilds the payload of a node from the newest history snapshot holding it. A node never seen locally
// comes back bare.
func (c *Coordinator) lastKnownNode(id string) change.Payload {
	n, ok := c.history.LastNode(id)
	if !ok {
		return nil
	}
	p := change.Payload{change.KeyKind: n.Kind}
	for k, v := range n.Attributes {
		p[k] = v
	}
	return p
}
