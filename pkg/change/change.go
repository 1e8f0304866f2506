// Package change defines the typed vocabulary of mutations exchanged between diagram sessions.
package change

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/diagram-sync/pkg/diagram"
)

type Kind string

const (
	CreateNode Kind = "create_node"
	UpdateNode Kind = "update_node"
	DeleteNode Kind = "delete_node"
	CreateEdge Kind = "create_edge"
	UpdateEdge Kind = "update_edge"
	DeleteEdge Kind = "delete_edge"
	Batch      Kind = "batch"
)

// Reserved payload keys. They map onto the structural fields of nodes and edges; every other key is an attribute.
const (
	KeyKind   = "kind"
	KeySource = "source"
	KeyTarget = "target"
)

func (k Kind) Known() bool {
	switch k {
	case CreateNode, UpdateNode, DeleteNode, CreateEdge, UpdateEdge, DeleteEdge, Batch:
		return true
	}
	return false
}

func (k Kind) IsNode() bool {
	return k == CreateNode || k == UpdateNode || k == DeleteNode
}

func (k Kind) IsEdge() bool {
	return k == CreateEdge || k == UpdateEdge || k == DeleteEdge
}

// Payload carries the fields of a change. Treat it as read-only once the change is built.
type Payload map[string]any

// String returns the value under key if it is a string.
func (p Payload) String(key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// Attributes returns a copy of the payload without the reserved structural keys, or nil if nothing is left.
func (p Payload) Attributes() diagram.Attributes {
	var out diagram.Attributes
	for k, v := range p {
		switch k {
		case KeyKind, KeySource, KeyTarget:
			continue
		}
		if out == nil {
			out = make(diagram.Attributes, len(p))
		}
		out[k] = diagram.CloneValue(v)
	}
	return out
}

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = diagram.CloneValue(v)
	}
	return out
}

// Change is one mutation of the graph. Batch changes carry an ordered list of sub-changes and no target.
type Change struct {
	ID        string  `json:"id,omitempty"`
	Kind      Kind    `json:"kind"`
	TargetID  string  `json:"target_id,omitempty"`
	Payload   Payload `json:"payload,omitempty"`
	Timestamp int64   `json:"timestamp"`

	Changes []Change `json:"changes,omitempty"`
}

// Clone returns a copy sharing no memory with c.
func (c Change) Clone() Change {
	out := c
	out.Payload = c.Payload.Clone()
	if c.Changes != nil {
		out.Changes = make([]Change, len(c.Changes))
		for i, sub := range c.Changes {
			out.Changes[i] = sub.Clone()
		}
	}
	return out
}

// Leaves flattens nested batches into their non-batch changes in application order. Leaves with a zero timestamp
// inherit the timestamp of the enclosing batch.
func Leaves(c Change) []Change {
	if c.Kind != Batch {
		return []Change{c}
	}
	out := make([]Change, 0, len(c.Changes))
	for _, sub := range c.Changes {
		if sub.Timestamp == 0 {
			sub.Timestamp = c.Timestamp
		}
		if sub.ID == "" {
			sub.ID = c.ID
		}
		out = append(out, Leaves(sub)...)
	}
	return out
}

// Builder constructs changes with strictly increasing millisecond timestamps.
type Builder struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

type BuilderOption func(*Builder)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Timestamp returns the next logical timestamp: the current time in milliseconds, bumped past the previous value if
// the clock has not moved.
func (b *Builder) Timestamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := b.now().UnixMilli()
	if ts <= b.last {
		ts = b.last + 1
	}
	b.last = ts
	return ts
}

// Build returns a new change. The payload is copied so later mutation by the caller does not leak into it.
func (b *Builder) Build(kind Kind, targetID string, payload Payload) Change {
	p := payload.Clone()
	if p == nil {
		p = Payload{}
	}
	return Change{
		ID:        NewChangeID(),
		Kind:      kind,
		TargetID:  targetID,
		Payload:   p,
		Timestamp: b.Timestamp(),
	}
}

// Batch wraps the given changes so they are applied in order as one unit.
func (b *Builder) Batch(changes ...Change) Change {
	subs := make([]Change, len(changes))
	for i, c := range changes {
		subs[i] = c.Clone()
	}
	return Change{
		ID:        NewChangeID(),
		Kind:      Batch,
		Timestamp: b.Timestamp(),
		Changes:   subs,
	}
}

func (b *Builder) CreateNode(id, kind string, attrs diagram.Attributes) Change {
	p := Payload{KeyKind: kind}
	for k, v := range attrs {
		p[k] = v
	}
	return b.Build(CreateNode, id, p)
}

func (b *Builder) UpdateNode(id string, fields Payload) Change {
	return b.Build(UpdateNode, id, fields)
}

func (b *Builder) DeleteNode(id string) Change {
	return b.Build(DeleteNode, id, nil)
}

func (b *Builder) CreateEdge(id, source, target, kind string, attrs diagram.Attributes) Change {
	p := Payload{KeySource: source, KeyTarget: target, KeyKind: kind}
	for k, v := range attrs {
		p[k] = v
	}
	return b.Build(CreateEdge, id, p)
}

func (b *Builder) UpdateEdge(id, source, target string, fields Payload) Change {
	p := fields.Clone()
	if p == nil {
		p = Payload{}
	}
	p[KeySource] = source
	p[KeyTarget] = target
	return b.Build(UpdateEdge, id, p)
}

func (b *Builder) DeleteEdge(id string) Change {
	return b.Build(DeleteEdge, id, nil)
}

// NewChangeID returns a lexically time-ordered id used to correlate acknowledgements.
func NewChangeID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewElementID generates a globally unique node or edge id, optionally prefixed.
func NewElementID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}
