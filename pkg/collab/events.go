package collab

import (
	"context"
	"sort"
	"sync"

	"github.com/astromechza/diagram-sync/pkg/conflict"
	"github.com/astromechza/diagram-sync/pkg/conn"
	"github.com/astromechza/diagram-sync/pkg/diagram"
	"github.com/astromechza/diagram-sync/pkg/wire"
)

type EventType string

const (
	GraphChanged       EventType = "graph_changed"
	ConflictDetected   EventType = "conflict_detected"
	ConflictResolved   EventType = "conflict_resolved"
	StateChanged       EventType = "state_changed"
	PeerJoined         EventType = "peer_joined"
	PeerLeft           EventType = "peer_left"
	PeerEditing        EventType = "peer_editing"
	ChangeAcknowledged EventType = "change_acknowledged"
	Error              EventType = "error"
)

// Event is published to subscribers. Only the fields relevant to Type are set; Graph is always a private copy.
type Event struct {
	Type EventType

	Graph    *diagram.Graph
	Conflict *conflict.Record
	Strategy conflict.Strategy
	State    conn.State
	Peer     wire.Peer
	TargetID string
	Editing  bool
	ChangeID string
	Err      error
}

// dispatcher delivers events to subscribers in publish order on its own goroutine so a slow or re-entrant subscriber
// never blocks the coordinator.
type dispatcher struct {
	mu      sync.Mutex
	queue   []Event
	subs    map[uint64]func(Event)
	nextSub uint64
	wake    chan struct{}
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subs: map[uint64]func(Event){},
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.subs, id)
		})
	}
}

func (d *dispatcher) publish(e Event) {
	d.mu.Lock()
	d.queue = append(d.queue, e)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			e := d.queue[0]
			d.queue = d.queue[1:]
			ids := make([]uint64, 0, len(d.subs))
			for id := range d.subs {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			subs := make([]func(Event), len(ids))
			for i, id := range ids {
				subs[i] = d.subs[id]
			}
			d.mu.Unlock()
			for _, fn := range subs {
				fn(e)
			}
		}
	}
}
