// Package conflict decides whether an incoming remote change is safe to apply on top of the local graph and the
// local edits still in flight. It only signals; callers pick the resolution.
package conflict

import (
	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/diagram"
)

type Kind string

const (
	// StaleWrite means the remote change is older than a local edit to the same element that is still in flight.
	StaleWrite Kind = "stale_write"
	// MissingTarget means the element the remote change refers to is not in the local graph, usually because of a
	// racing delete.
	MissingTarget Kind = "missing_target"
)

type Strategy string

const (
	AcceptRemote Strategy = "accept_remote"
	KeepLocal    Strategy = "keep_local"
	AttemptMerge Strategy = "attempt_merge"
	Ignore       Strategy = "ignore"
	Recreate     Strategy = "recreate"
)

// ResolutionStrategy describes one way out of a conflict.
type ResolutionStrategy struct {
	ID          Strategy `json:"id"`
	Description string   `json:"description"`
}

// PendingChange is a local change that has been applied optimistically but not yet acknowledged or superseded.
type PendingChange struct {
	Change    change.Change `json:"change"`
	Timestamp int64         `json:"timestamp"`
	SessionID string        `json:"session_id"`
	// Sent is false while the change is waiting for the connection to come back.
	Sent bool `json:"sent"`
}

// Record describes a detected conflict.
type Record struct {
	ID       string `json:"id,omitempty"`
	Kind     Kind   `json:"kind"`
	TargetID string `json:"target_id"`
	// MissingID names the absent element. It differs from TargetID when an edge refers to a missing endpoint node.
	MissingID  string               `json:"missing_id,omitempty"`
	Local      *PendingChange       `json:"local,omitempty"`
	Remote     change.Change        `json:"remote"`
	Strategies []ResolutionStrategy `json:"strategies"`
}

// Allows reports whether s is one of the strategies offered for the record.
func (r *Record) Allows(s Strategy) bool {
	for _, rs := range r.Strategies {
		if rs.ID == s {
			return true
		}
	}
	return false
}

// Strategies lists the resolution choices offered for a kind of conflict.
func Strategies(k Kind) []ResolutionStrategy {
	switch k {
	case StaleWrite:
		return []ResolutionStrategy{
			{ID: AcceptRemote, Description: "Accept the collaborator's change"},
			{ID: KeepLocal, Description: "Keep my change"},
			{ID: AttemptMerge, Description: "Try to merge both changes"},
		}
	case MissingTarget:
		return []ResolutionStrategy{
			{ID: Ignore, Description: "Ignore the change"},
			{ID: Recreate, Description: "Recreate the deleted element"},
		}
	}
	return nil
}

// DefaultStrategy is the resolution applied when nobody chooses one: prefer the remote side for stale writes and
// drop changes to elements that no longer exist.
func DefaultStrategy(k Kind) Strategy {
	if k == MissingTarget {
		return Ignore
	}
	return AcceptRemote
}

// Detect returns a conflict record if c cannot be applied to g as is, or nil. Neither g nor pending is modified.
func Detect(c change.Change, g *diagram.Graph, pending map[string]PendingChange) *Record {
	if c.Kind == change.Batch {
		return detectBatch(c, g, pending)
	}
	return detectOne(c, g, pending, nil)
}

func detectBatch(c change.Change, g *diagram.Graph, pending map[string]PendingChange) *Record {
	ov := &overlay{nodes: map[string]bool{}, edges: map[string]bool{}}
	for _, leaf := range change.Leaves(c) {
		if r := detectOne(leaf, g, pending, ov); r != nil {
			r.Remote = c
			return r
		}
		ov.record(leaf, g)
	}
	return nil
}

func detectOne(c change.Change, g *diagram.Graph, pending map[string]PendingChange, ov *overlay) *Record {
	if p, ok := pending[c.TargetID]; ok && c.Timestamp < p.Timestamp {
		local := p
		return newRecord(StaleWrite, c, c.TargetID, &local)
	}

	hasNode := func(id string) bool { return ov.hasNode(g, id) }
	hasEdge := func(id string) bool { return ov.hasEdge(g, id) }

	switch c.Kind {
	case change.UpdateNode, change.DeleteNode:
		if !hasNode(c.TargetID) {
			return newRecord(MissingTarget, c, c.TargetID, nil)
		}
	case change.UpdateEdge, change.DeleteEdge:
		if !hasEdge(c.TargetID) {
			return newRecord(MissingTarget, c, c.TargetID, nil)
		}
	}

	switch c.Kind {
	case change.CreateEdge, change.UpdateEdge:
		for _, endpoint := range []string{c.Payload.String(change.KeySource), c.Payload.String(change.KeyTarget)} {
			if endpoint != "" && !hasNode(endpoint) {
				return newRecord(MissingTarget, c, endpoint, nil)
			}
		}
	}
	return nil
}

func newRecord(k Kind, c change.Change, missing string, local *PendingChange) *Record {
	r := &Record{
		Kind:       k,
		TargetID:   c.TargetID,
		Local:      local,
		Remote:     c,
		Strategies: Strategies(k),
	}
	if k == MissingTarget {
		r.MissingID = missing
	}
	return r
}

// overlay tracks the elements a batch creates and deletes ahead of the sub-change being checked.
type overlay struct {
	nodes map[string]bool
	edges map[string]bool
}

func (o *overlay) hasNode(g *diagram.Graph, id string) bool {
	if o != nil {
		if present, ok := o.nodes[id]; ok {
			return present
		}
	}
	return g.HasNode(id)
}

func (o *overlay) hasEdge(g *diagram.Graph, id string) bool {
	if o != nil {
		if present, ok := o.edges[id]; ok {
			return present
		}
	}
	return g.HasEdge(id)
}

func (o *overlay) record(c change.Change, g *diagram.Graph) {
	switch c.Kind {
	case change.CreateNode:
		o.nodes[c.TargetID] = true
	case change.DeleteNode:
		o.nodes[c.TargetID] = false
		for id, e := range g.Edges {
			if e.Source == c.TargetID || e.Target == c.TargetID {
				o.edges[id] = false
			}
		}
	case change.CreateEdge:
		o.edges[c.TargetID] = true
	case change.DeleteEdge:
		o.edges[c.TargetID] = false
	}
}
