package diagram

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON accepts the {"nodes": {...}, "edges": {...}} form and always leaves both maps non-nil. Ids missing
// from an element are filled in from its map key.
func (g *Graph) UnmarshalJSON(raw []byte) error {
	var inner struct {
		Nodes map[string]*Node `json:"nodes"`
		Edges map[string]*Edge `json:"edges"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return fmt.Errorf("failed to decode graph: %w", err)
	}
	g.Nodes = make(map[string]*Node, len(inner.Nodes))
	g.Edges = make(map[string]*Edge, len(inner.Edges))
	for id, n := range inner.Nodes {
		if n == nil {
			continue
		}
		if n.ID == "" {
			n.ID = id
		}
		g.Nodes[id] = n
	}
	for id, e := range inner.Edges {
		if e == nil {
			continue
		}
		if e.ID == "" {
			e.ID = id
		}
		g.Edges[id] = e
	}
	return nil
}

// Encode serializes the graph. Map keys are emitted in sorted order so equal graphs encode to equal bytes.
func Encode(g *Graph) ([]byte, error) {
	if g == nil {
		g = New()
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	return raw, nil
}

func Decode(raw []byte) (*Graph, error) {
	g := New()
	if len(raw) == 0 {
		return g, nil
	}
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, err
	}
	return g, nil
}
