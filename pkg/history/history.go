// Package history keeps the local undo and redo stacks of a diagram session. Only edits made by the local user
// are recorded; changes applied on behalf of remote peers never are.
package history

import (
	"sync"

	"github.com/astromechza/diagram-sync/pkg/diagram"
)

// Entry is one step of history: the graph to return to and the elements the recorded edit touched. Nil Nodes and
// Edges mean the edit is not scoped and the whole graph is restored.
type Entry struct {
	Graph *diagram.Graph
	Nodes []string
	Edges []string
}

// Scoped reports whether the entry names the elements it touched.
func (e Entry) Scoped() bool {
	return e.Nodes != nil || e.Edges != nil
}

type Manager struct {
	mu     sync.Mutex
	past   []Entry
	future []Entry
	limit  int
}

// NewManager returns a manager keeping at most limit undo snapshots. A limit of zero or less is unbounded.
func NewManager(limit int) *Manager {
	return &Manager{limit: limit}
}

// Record stores a copy of g as the state to return to on the next undo and forgets any redo states.
func (m *Manager) Record(g *diagram.Graph) {
	m.RecordEdit(g, nil, nil)
}

// RecordEdit is Record for an edit known to touch only the given nodes and edges. Undoing it restores just those
// elements, so edits made by others in the meantime survive.
func (m *Manager) RecordEdit(g *diagram.Graph, nodes, edges []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.past = append(m.past, Entry{Graph: g.Clone(), Nodes: nodes, Edges: edges})
	if m.limit > 0 && len(m.past) > m.limit {
		m.past = append([]Entry(nil), m.past[len(m.past)-m.limit:]...)
	}
	m.future = nil
}

// Undo returns the most recently recorded snapshot and keeps a copy of current for redo.
func (m *Manager) Undo(current *diagram.Graph) (*diagram.Graph, bool) {
	e, ok := m.UndoEntry(current)
	return e.Graph, ok
}

// Redo returns the state most recently undone and keeps a copy of current for undo.
func (m *Manager) Redo(current *diagram.Graph) (*diagram.Graph, bool) {
	e, ok := m.RedoEntry(current)
	return e.Graph, ok
}

// UndoEntry pops the most recent entry. The redo entry keeps a copy of current under the same scope.
func (m *Manager) UndoEntry(current *diagram.Graph) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.past) == 0 {
		return Entry{}, false
	}
	prev := m.past[len(m.past)-1]
	m.past = m.past[:len(m.past)-1]
	m.future = append(m.future, Entry{Graph: current.Clone(), Nodes: prev.Nodes, Edges: prev.Edges})
	return prev, true
}

func (m *Manager) RedoEntry(current *diagram.Graph) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.future) == 0 {
		return Entry{}, false
	}
	next := m.future[len(m.future)-1]
	m.future = m.future[:len(m.future)-1]
	m.past = append(m.past, Entry{Graph: current.Clone(), Nodes: next.Nodes, Edges: next.Edges})
	return next, true
}

// LastNode returns a copy of the most recent recorded version of node id, searching undo snapshots newest first and
// then redo snapshots.
func (m *Manager) LastNode(id string) (*diagram.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.past) - 1; i >= 0; i-- {
		if n, ok := m.past[i].Graph.Nodes[id]; ok {
			return n.Clone(), true
		}
	}
	for i := len(m.future) - 1; i >= 0; i-- {
		if n, ok := m.future[i].Graph.Nodes[id]; ok {
			return n.Clone(), true
		}
	}
	return nil, false
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.past) > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.future) > 0
}

// Depth returns the sizes of the undo and redo stacks.
func (m *Manager) Depth() (past int, future int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.past), len(m.future)
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.past = nil
	m.future = nil
}
