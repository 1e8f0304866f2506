package relay

import (
	"sort"
	"sync"

	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/diagram"
	"github.com/astromechza/diagram-sync/pkg/reconcile"
	"github.com/astromechza/diagram-sync/pkg/wire"
)

// room is one diagram and the sessions connected to it. The room lock orders every change so all sessions observe
// the same sequence.
type room struct {
	id string

	mu       sync.Mutex
	graph    *diagram.Graph
	sessions map[*session]bool
}

func newRoom(id string, g *diagram.Graph) *room {
	if g == nil {
		g = diagram.New()
	}
	return &room{id: id, graph: g, sessions: map[*session]bool{}}
}

func (r *room) peersLocked() []wire.Peer {
	out := make([]wire.Peer, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s.peer())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// join welcomes s with the current peer list and announces it to the other sessions.
func (r *room) join(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = true
	s.enqueue(wire.Message{Type: wire.ConnectionEstablished, Sender: s.id, Peers: r.peersLocked()})
	r.broadcastLocked(s, wire.Message{Type: wire.PeerJoined, Sender: s.id, Peers: []wire.Peer{s.peer()}})
}

func (r *room) leave(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sessions[s] {
		return
	}
	delete(r.sessions, s)
	r.broadcastLocked(s, wire.Message{Type: wire.PeerLeft, Sender: s.id})
}

// apply reconciles c into the room graph and relays it to every other session. It returns a copy of the resulting
// graph.
func (r *room) apply(from *session, c change.Change) *diagram.Graph {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph = reconcile.Apply(c, r.graph)
	r.broadcastLocked(from, wire.Message{Type: wire.ChangeReceived, Change: &c, Sender: from.id})
	return r.graph.Clone()
}

func (r *room) relay(from *session, msg wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(from, msg)
}

// sync sends s the current graph, ordered with respect to the changes relayed to it.
func (r *room) sync(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.enqueue(wire.Message{Type: wire.StateSynchronized, Graph: r.graph})
}

func (r *room) snapshot() *diagram.Graph {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph.Clone()
}

func (r *room) members() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *room) broadcastLocked(except *session, msg wire.Message) {
	for s := range r.sessions {
		if s != except {
			s.enqueue(msg)
		}
	}
}
