package viz

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/diagram-sync/pkg/diagram"
)

func TestWriteDot(t *testing.T) {
	g := diagram.New()
	g.Nodes["b"] = &diagram.Node{ID: "b"}
	g.Nodes["a"] = &diagram.Node{ID: "a", Kind: "class", Attributes: diagram.Attributes{"name": "Order"}}
	g.Edges["ab"] = &diagram.Edge{ID: "ab", Source: "a", Target: "b", Kind: "association"}
	g.Edges["ba"] = &diagram.Edge{ID: "ba", Source: "b", Target: "a"}

	var buff bytes.Buffer
	require.NoError(t, WriteDot(&buff, "d1", g))
	assert.Equal(t, `digraph "d1" {
    "a" [shape=box label="Order <class>"]
    "b" [shape=box label="b"]
    "a" -> "b" [label="association"]
    "b" -> "a"
}
`, buff.String())
}
