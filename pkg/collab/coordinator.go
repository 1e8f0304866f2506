// Package collab coordinates one collaborative diagram session. A single goroutine owns the graph, the pending local
// changes and the open conflicts; local edits, remote changes, undo/redo, resyncs and conflict resolutions are all
// serialized through it.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/conflict"
	"github.com/astromechza/diagram-sync/pkg/conn"
	"github.com/astromechza/diagram-sync/pkg/diagram"
	"github.com/astromechza/diagram-sync/pkg/history"
	"github.com/astromechza/diagram-sync/pkg/reconcile"
	"github.com/astromechza/diagram-sync/pkg/wire"
)

var (
	ErrClosed              = errors.New("coordinator closed")
	ErrUnknownConflict     = errors.New("unknown conflict")
	ErrUnsupportedStrategy = errors.New("strategy not offered for this conflict")
)

// Transport is the connection the coordinator talks through. *conn.Manager implements it.
type Transport interface {
	Send(msg wire.Message) error
	OnMessage(handler func(wire.Message))
	OnStateChange(fn func(conn.State))
	OnError(fn func(error))
	State() conn.State
}

// Policy picks the resolution applied to a conflict nobody resolved within the conflict timeout.
type Policy func(r *conflict.Record) conflict.Strategy

func DefaultPolicy(r *conflict.Record) conflict.Strategy {
	return conflict.DefaultStrategy(r.Kind)
}

type Options struct {
	// UserID identifies this session's own changes when the server echoes them back. When empty the id assigned by
	// the server in connection_established is used.
	UserID  string
	Initial *diagram.Graph
	// ResyncInterval is how often the authoritative state is requested while connected. Zero only resyncs on connect.
	ResyncInterval time.Duration
	// ConflictTimeout is how long a conflict may stay open before Policy resolves it. Zero waits forever.
	ConflictTimeout time.Duration
	Policy          Policy
	Builder         *change.Builder
	Logger          *slog.Logger
}

type openConflict struct {
	record *conflict.Record
	timer  *time.Timer
}

type Coordinator struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	ops       chan func()
	events    *dispatcher
	transport Transport
	history   *history.Manager
	builder   *change.Builder
	policy    Policy
	opts      Options
	logger    *slog.Logger

	// everything below is owned by the actor goroutine
	self      string
	graph     *diagram.Graph
	pending   map[string]conflict.PendingChange
	outbox    []change.Change
	conflicts map[string]*openConflict
	peers     map[string]wire.Peer
	editing   map[string]string
	resync    *time.Ticker
}

func New(ctx context.Context, transport Transport, hist *history.Manager, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Builder == nil {
		opts.Builder = change.NewBuilder()
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy
	}
	if hist == nil {
		hist = history.NewManager(0)
	}
	graph := opts.Initial.Clone()
	if graph == nil {
		graph = diagram.New()
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ops:       make(chan func(), 256),
		events:    newDispatcher(),
		transport: transport,
		history:   hist,
		builder:   opts.Builder,
		policy:    opts.Policy,
		opts:      opts,
		logger:    opts.Logger,
		self:      opts.UserID,
		graph:     graph,
		pending:   map[string]conflict.PendingChange{},
		conflicts: map[string]*openConflict{},
		peers:     map[string]wire.Peer{},
		editing:   map[string]string{},
	}
	go c.events.run(cctx)
	go c.run()

	transport.OnMessage(func(msg wire.Message) {
		c.post(func() { c.handleMessage(msg) })
	})
	transport.OnStateChange(func(s conn.State) {
		c.post(func() { c.handleState(s) })
	})
	transport.OnError(func(err error) {
		c.post(func() { c.emit(Event{Type: Error, Err: err}) })
	})
	if s := transport.State(); s == conn.Connected {
		c.post(func() { c.handleState(s) })
	}
	return c
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.shutdown()
	for {
		var resync <-chan time.Time
		if c.resync != nil {
			resync = c.resync.C
		}
		select {
		case <-c.ctx.Done():
			return
		case op := <-c.ops:
			op()
		case <-resync:
			c.requestResync()
		}
	}
}

func (c *Coordinator) shutdown() {
	c.stopResync()
	for _, oc := range c.conflicts {
		if oc.timer != nil {
			oc.timer.Stop()
		}
	}
}

// post queues fn on the actor without waiting for it.
func (c *Coordinator) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.ctx.Done():
	}
}

// do runs fn on the actor and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case c.ops <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) emit(e Event) {
	c.events.publish(e)
}

func (c *Coordinator) emitGraph() {
	c.emit(Event{Type: GraphChanged, Graph: c.graph.Clone()})
}

// Subscribe registers fn for every event published from now on. Call the returned function to unsubscribe.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	return c.events.subscribe(fn)
}

// Close stops the coordinator, its timers and event delivery. The transport is left to its owner.
func (c *Coordinator) Close() {
	c.cancel()
	<-c.done
	<-c.events.done
}

// SubmitLocalChange validates ch, records the current graph for undo, applies ch optimistically and sends it. If the
// transport is offline the change stays applied and pending, and the returned error wraps conn.ErrNotConnected; it is
// resubmitted after the next resync.
func (c *Coordinator) SubmitLocalChange(ctx context.Context, ch change.Change) error {
	if err := change.Validate(ch); err != nil {
		return err
	}
	return c.do(ctx, func() error {
		return c.submitLocal(ch, true)
	})
}

func (c *Coordinator) submitLocal(ch change.Change, record bool) error {
	ch = ch.Clone()
	if ch.ID == "" {
		ch.ID = change.NewChangeID()
	}
	if ch.Timestamp == 0 {
		ch.Timestamp = c.builder.Timestamp()
	}
	before := c.graph
	c.graph = reconcile.Apply(ch, c.graph)
	if record {
		nodes, edges := reconcile.Touched(before, c.graph)
		c.history.RecordEdit(before, nodes, edges)
	}
	c.emitGraph()
	return c.commit(ch)
}

// commit tracks ch as pending and hands it to the transport. The graph must already reflect ch.
func (c *Coordinator) commit(ch change.Change) error {
	for _, leaf := range change.Leaves(ch) {
		// acknowledgements refer to the submitted change, so leaves carry its id
		leaf.ID = ch.ID
		c.pending[leaf.TargetID] = conflict.PendingChange{
			Change:    leaf,
			Timestamp: leaf.Timestamp,
			SessionID: c.self,
		}
	}
	err := c.transport.Send(wire.Message{Type: wire.ChangeSubmitted, Change: &ch})
	if err != nil {
		c.outbox = append(c.outbox, ch)
		if errors.Is(err, conn.ErrNotConnected) {
			c.logger.Info("offline, change kept until resync", "change", ch.ID)
			return fmt.Errorf("change %s kept until resync: %w", ch.ID, err)
		}
		return fmt.Errorf("failed to send change %s: %w", ch.ID, err)
	}
	for _, leaf := range change.Leaves(ch) {
		if p, ok := c.pending[leaf.TargetID]; ok && p.Change.ID == ch.ID {
			p.Sent = true
			c.pending[leaf.TargetID] = p
		}
	}
	return nil
}

func (c *Coordinator) handleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.ConnectionEstablished:
		if c.opts.UserID == "" && msg.Sender != "" {
			c.self = msg.Sender
		}
		c.peers = map[string]wire.Peer{}
		c.editing = map[string]string{}
		for _, p := range msg.Peers {
			if p.ID != c.self {
				c.peers[p.ID] = p
			}
		}
		c.logger.Info("session established", "self", c.self, "peers", len(c.peers))
	case wire.ChangeReceived:
		if msg.Change == nil {
			c.emit(Event{Type: Error, Err: fmt.Errorf("change_received without a change")})
			return
		}
		if msg.Sender != "" && msg.Sender == c.self {
			c.logger.Debug("ignoring echo of own change", "change", msg.Change.ID)
			return
		}
		c.onRemoteChange(*msg.Change)
	case wire.ChangeAcknowledged:
		for target, p := range c.pending {
			if p.Change.ID == msg.ChangeID {
				delete(c.pending, target)
			}
		}
		c.emit(Event{Type: ChangeAcknowledged, ChangeID: msg.ChangeID})
	case wire.StateSynchronized:
		c.onSynchronized(msg.Graph)
	case wire.PeerJoined:
		if msg.Sender == "" || msg.Sender == c.self {
			return
		}
		p := wire.Peer{ID: msg.Sender}
		for _, candidate := range msg.Peers {
			if candidate.ID == msg.Sender {
				p = candidate
			}
		}
		c.peers[p.ID] = p
		c.emit(Event{Type: PeerJoined, Peer: p})
	case wire.PeerLeft:
		p, ok := c.peers[msg.Sender]
		if !ok {
			p = wire.Peer{ID: msg.Sender}
		}
		delete(c.peers, msg.Sender)
		for target, who := range c.editing {
			if who == msg.Sender {
				delete(c.editing, target)
			}
		}
		c.emit(Event{Type: PeerLeft, Peer: p})
	case wire.PeerEditing:
		if msg.Sender == c.self {
			return
		}
		if msg.Editing {
			c.editing[msg.TargetID] = msg.Sender
		} else if c.editing[msg.TargetID] == msg.Sender {
			delete(c.editing, msg.TargetID)
		}
		c.emit(Event{Type: PeerEditing, Peer: c.peerOrID(msg.Sender), TargetID: msg.TargetID, Editing: msg.Editing})
	case wire.Error:
		c.logger.Warn("server reported an error", "message", msg.Message)
		c.emit(Event{Type: Error, Err: fmt.Errorf("server error: %s", msg.Message)})
	case wire.Pong:
	default:
		c.logger.Debug("ignoring unexpected message", "type", msg.Type)
	}
}

func (c *Coordinator) peerOrID(id string) wire.Peer {
	if p, ok := c.peers[id]; ok {
		return p
	}
	return wire.Peer{ID: id}
}

func (c *Coordinator) onRemoteChange(ch change.Change) {
	if r := conflict.Detect(ch, c.graph, c.pending); r != nil {
		c.openConflict(r)
		return
	}
	c.applyRemote(ch, false)
	c.supersedeConflicts(ch)
}

// supersedeConflicts closes open conflicts whose remote side is older than a remote change just applied to the same
// element. Accepting them later would roll that element back.
func (c *Coordinator) supersedeConflicts(ch change.Change) {
	newest := map[string]int64{}
	for _, leaf := range change.Leaves(ch) {
		if leaf.Timestamp > newest[leaf.TargetID] {
			newest[leaf.TargetID] = leaf.Timestamp
		}
	}
	for id, oc := range c.conflicts {
		ts, ok := newest[oc.record.TargetID]
		if !ok || remoteTimestamp(oc.record) >= ts {
			continue
		}
		if oc.timer != nil {
			oc.timer.Stop()
		}
		delete(c.conflicts, id)
		c.logger.Info("conflict superseded by a newer remote change", "conflict", id, "target", oc.record.TargetID)
		c.emit(Event{Type: ConflictResolved, Conflict: copyRecord(oc.record), Strategy: conflict.AcceptRemote})
	}
}

func remoteTimestamp(r *conflict.Record) int64 {
	for _, leaf := range change.Leaves(r.Remote) {
		if leaf.TargetID == r.TargetID {
			return leaf.Timestamp
		}
	}
	return r.Remote.Timestamp
}

// applyRemote reconciles a remote change and retires pending entries it supersedes. With force every pending entry
// it touches is retired regardless of age.
func (c *Coordinator) applyRemote(ch change.Change, force bool) {
	c.graph = reconcile.Apply(ch, c.graph)
	for _, leaf := range change.Leaves(ch) {
		if p, ok := c.pending[leaf.TargetID]; ok && (force || p.Timestamp <= leaf.Timestamp) {
			delete(c.pending, leaf.TargetID)
		}
	}
	c.emitGraph()
}

func (c *Coordinator) openConflict(r *conflict.Record) {
	r.ID = ulid.Make().String()
	oc := &openConflict{record: r}
	if c.opts.ConflictTimeout > 0 {
		id := r.ID
		oc.timer = time.AfterFunc(c.opts.ConflictTimeout, func() {
			c.post(func() {
				open, ok := c.conflicts[id]
				if !ok {
					return
				}
				strategy := c.policy(open.record)
				c.logger.Info("resolving conflict by default policy", "conflict", id, "strategy", strategy)
				if err := c.resolve(open, strategy); err != nil {
					c.emit(Event{Type: Error, Err: err})
				}
			})
		})
	}
	c.conflicts[r.ID] = oc
	c.logger.Info("conflict detected", "conflict", r.ID, "kind", r.Kind, "target", r.TargetID)
	c.emit(Event{Type: ConflictDetected, Conflict: copyRecord(r)})
}

func (c *Coordinator) onSynchronized(g *diagram.Graph) {
	if g == nil {
		g = diagram.New()
	}
	c.graph = g
	c.pending = map[string]conflict.PendingChange{}
	// the authoritative state supersedes every open conflict
	for id, oc := range c.conflicts {
		if oc.timer != nil {
			oc.timer.Stop()
		}
		delete(c.conflicts, id)
		c.emit(Event{Type: ConflictResolved, Conflict: copyRecord(oc.record), Strategy: conflict.AcceptRemote})
	}

	outbox := c.outbox
	c.outbox = nil
	if len(outbox) == 0 {
		c.emitGraph()
		return
	}
	c.logger.Info("resubmitting changes made while offline", "changes", len(outbox))
	if err := c.submitLocal(c.builder.Batch(outbox...), false); err != nil {
		c.logger.Warn("resubmission deferred", "err", err)
	}
}

func (c *Coordinator) handleState(s conn.State) {
	c.emit(Event{Type: StateChanged, State: s})
	if s != conn.Connected {
		c.stopResync()
		return
	}
	c.requestResync()
	if c.opts.ResyncInterval > 0 && c.resync == nil {
		c.resync = time.NewTicker(c.opts.ResyncInterval)
	}
}

func (c *Coordinator) stopResync() {
	if c.resync != nil {
		c.resync.Stop()
		c.resync = nil
	}
}

func (c *Coordinator) requestResync() {
	if err := c.transport.Send(wire.Message{Type: wire.RequestResync}); err != nil {
		c.logger.Debug("could not request resync", "err", err)
	}
}

// RequestResync asks the server for its authoritative state now.
func (c *Coordinator) RequestResync(ctx context.Context) error {
	return c.do(ctx, func() error {
		return c.transport.Send(wire.Message{Type: wire.RequestResync})
	})
}

// NotifyEditing tells peers that this session started or stopped editing an element.
func (c *Coordinator) NotifyEditing(ctx context.Context, targetID string, editing bool) error {
	return c.do(ctx, func() error {
		return c.transport.Send(wire.Message{Type: wire.PeerEditing, TargetID: targetID, Editing: editing})
	})
}

// Undo reverts the elements touched by the last local change and broadcasts the compensating changes. Edits made by
// others since then are kept. It reports whether there was anything to undo.
func (c *Coordinator) Undo(ctx context.Context) (bool, error) {
	return c.travel(ctx, c.history.UndoEntry)
}

// Redo re-applies the last undone local change and broadcasts it.
func (c *Coordinator) Redo(ctx context.Context) (bool, error) {
	return c.travel(ctx, c.history.RedoEntry)
}

func (c *Coordinator) travel(ctx context.Context, step func(*diagram.Graph) (history.Entry, bool)) (bool, error) {
	moved := false
	err := c.do(ctx, func() error {
		entry, ok := step(c.graph)
		if !ok {
			return nil
		}
		moved = true
		var diff []change.Change
		if entry.Scoped() {
			diff = reconcile.DiffWithin(c.graph, entry.Graph, entry.Nodes, entry.Edges)
		} else {
			diff = reconcile.Diff(c.graph, entry.Graph)
		}
		if len(diff) == 0 {
			return nil
		}
		batch := c.builder.Batch(diff...)
		c.graph = reconcile.Apply(batch, c.graph)
		c.emitGraph()
		return c.commit(batch)
	})
	return moved, err
}

// Graph returns a copy of the current graph.
func (c *Coordinator) Graph() *diagram.Graph {
	var out *diagram.Graph
	_ = c.do(context.Background(), func() error {
		out = c.graph.Clone()
		return nil
	})
	return out
}

// Pending returns the local changes not yet acknowledged or superseded, keyed by element id.
func (c *Coordinator) Pending() map[string]conflict.PendingChange {
	out := map[string]conflict.PendingChange{}
	_ = c.do(context.Background(), func() error {
		for k, v := range c.pending {
			v.Change = v.Change.Clone()
			out[k] = v
		}
		return nil
	})
	return out
}

// Conflicts returns the open conflicts ordered by detection time.
func (c *Coordinator) Conflicts() []conflict.Record {
	var out []conflict.Record
	_ = c.do(context.Background(), func() error {
		for _, oc := range c.conflicts {
			out = append(out, *copyRecord(oc.record))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peers returns the other participants currently connected to the diagram.
func (c *Coordinator) Peers() []wire.Peer {
	var out []wire.Peer
	_ = c.do(context.Background(), func() error {
		for _, p := range c.peers {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Editors maps element ids to the peer currently editing them.
func (c *Coordinator) Editors() map[string]string {
	out := map[string]string{}
	_ = c.do(context.Background(), func() error {
		for k, v := range c.editing {
			out[k] = v
		}
		return nil
	})
	return out
}

func copyRecord(r *conflict.Record) *conflict.Record {
	out := *r
	out.Remote = r.Remote.Clone()
	if r.Local != nil {
		local := *r.Local
		local.Change = r.Local.Change.Clone()
		out.Local = &local
	}
	out.Strategies = append([]conflict.ResolutionStrategy(nil), r.Strategies...)
	return &out
}
