package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/diagram"
)

func twoNodes(b *change.Builder) *diagram.Graph {
	g := diagram.New()
	g = Apply(b.CreateNode("a", "class", diagram.Attributes{"name": "A"}), g)
	g = Apply(b.CreateNode("b", "class", diagram.Attributes{"name": "B"}), g)
	return Apply(b.CreateEdge("ab", "a", "b", "association", diagram.Attributes{"multiplicity": "1"}), g)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	b := change.NewBuilder()
	g := twoNodes(b)
	before := g.Clone()

	_ = Apply(b.UpdateNode("a", change.Payload{"name": "Changed"}), g)
	_ = Apply(b.DeleteNode("b"), g)
	assert.Equal(t, before, g)
}

func TestCreateIsIdempotent(t *testing.T) {
	b := change.NewBuilder()
	g := twoNodes(b)
	createNode := b.CreateNode("c", "class", diagram.Attributes{"name": "C"})
	createEdge := b.CreateEdge("bc", "b", "c", "inheritance", nil)

	once := Apply(createEdge, Apply(createNode, g))
	twice := Apply(createEdge, Apply(createEdge, Apply(createNode, Apply(createNode, g))))
	assert.Equal(t, once, twice)
}

func TestCreateOverwritesExisting(t *testing.T) {
	b := change.NewBuilder()
	g := twoNodes(b)
	g = Apply(b.CreateNode("a", "interface", diagram.Attributes{"name": "IA"}), g)
	assert.Equal(t, "interface", g.Nodes["a"].Kind)
	assert.Equal(t, diagram.Attributes{"name": "IA"}, g.Nodes["a"].Attributes)
}

func TestUpdateNodeShallowMerges(t *testing.T) {
	b := change.NewBuilder()
	g := twoNodes(b)
	g = Apply(b.UpdateNode("a", change.Payload{"abstract": true}), g)
	assert.Equal(t, diagram.Attributes{"name": "A", "abstract": true}, g.Nodes["a"].Attributes)
	assert.Equal(t, "class", g.Nodes["a"].Kind)
}

func TestUpdateMissingTargetIsNoop(t *testing.T) {
	b := change.NewBuilder()
	g := twoNodes(b)
	assert.Equal(t, g, Apply(b.UpdateNode("ghost", change.Payload{"name": "x"}), g))
	assert.Equal(t, g, Apply(b.UpdateEdge("ghost", "a", "b", nil), g))
}

func TestUpdateEdgeMovesEndpoints(t *testing.T) {
	b := change.NewBuilder()
	g := twoNodes(b)
	g = Apply(b.UpdateEdge("ab", "b", "a", change.Payload{"multiplicity": "0..1"}), g)
	e := g.Edges["ab"]
	assert.Equal(t, "b", e.Source)
	assert.Equal(t, "a", e.Target)
	assert.Equal(t, "0..1", e.Attributes["multiplicity"])
}

func TestDeleteNodeCascades(t *testing.T) {
	b := change.NewBuilder()
	g := twoNodes(b)
	g = Apply(b.CreateNode("c", "class", nil), g)
	g = Apply(b.CreateEdge("ca", "c", "a", "dependency", nil), g)
	g = Apply(b.CreateEdge("cb", "c", "b", "dependency", nil), g)

	g = Apply(b.DeleteNode("a"), g)
	for _, e := range g.Edges {
		assert.NotEqual(t, "a", e.Source)
		assert.NotEqual(t, "a", e.Target)
	}
	assert.Equal(t, []string{"cb"}, g.EdgeIDs())
}

func TestDeleteEdgeOnlyRemovesEdge(t *testing.T) {
	b := change.NewBuilder()
	g := Apply(b.DeleteEdge("ab"), twoNodes(b))
	assert.Empty(t, g.Edges)
	assert.Equal(t, []string{"a", "b"}, g.NodeIDs())
}

func TestCreateEdgeWithMissingEndpointIsSkipped(t *testing.T) {
	b := change.NewBuilder()
	g := twoNodes(b)
	out := Apply(b.CreateEdge("ax", "a", "x", "association", nil), g)
	assert.False(t, out.HasEdge("ax"))
}

func TestBatchAppliesInOrder(t *testing.T) {
	b := change.NewBuilder()
	batch := b.Batch(
		b.CreateNode("n1", "class", diagram.Attributes{"name": "first"}),
		b.UpdateNode("n1", change.Payload{"name": "second"}),
		b.CreateNode("n2", "class", nil),
		b.CreateEdge("e", "n1", "n2", "association", nil),
	)
	g := Apply(batch, diagram.New())
	assert.Equal(t, "second", g.Nodes["n1"].Attributes["name"])
	assert.True(t, g.HasEdge("e"))
}

func TestBatchStopsAtFirstFailingChange(t *testing.T) {
	b := change.NewBuilder()
	batch := b.Batch(
		b.CreateNode("n1", "class", nil),
		b.UpdateNode("ghost", change.Payload{"name": "x"}),
		b.CreateNode("n2", "class", nil),
	)
	g := Apply(batch, diagram.New())
	assert.True(t, g.HasNode("n1"))
	assert.False(t, g.HasNode("n2"))
}

func TestDiffRoundTrip(t *testing.T) {
	b := change.NewBuilder()
	from := twoNodes(b)
	to := Apply(b.Batch(
		b.DeleteEdge("ab"),
		b.UpdateNode("a", change.Payload{"name": "A2"}),
		b.CreateNode("c", "class", diagram.Attributes{"name": "C"}),
		b.CreateEdge("ca", "c", "a", "association", nil),
		b.DeleteNode("b"),
	), from)

	diff := Diff(from, to)
	require.NotEmpty(t, diff)
	g := from
	for _, c := range diff {
		require.NoError(t, change.Validate(c))
		g = Apply(c, g)
	}
	assert.Equal(t, to, g)
	assert.Empty(t, Diff(to, g))
}

func TestDiffWithinLeavesOtherElements(t *testing.T) {
	b := change.NewBuilder()
	before := twoNodes(b)
	after := Apply(b.CreateNode("mine", "class", nil), before)
	nodes, edges := Touched(before, after)
	assert.Equal(t, []string{"mine"}, nodes)
	assert.Empty(t, edges)
	assert.NotNil(t, edges)

	// someone else edits meanwhile
	current := Apply(b.Batch(
		b.CreateNode("theirs", "class", nil),
		b.UpdateNode("a", change.Payload{"name": "A2"}),
	), after)

	revert := DiffWithin(current, before, nodes, edges)
	require.Len(t, revert, 1)
	assert.Equal(t, change.DeleteNode, revert[0].Kind)
	assert.Equal(t, "mine", revert[0].TargetID)

	g := Apply(b.Batch(revert...), current)
	assert.False(t, g.HasNode("mine"))
	assert.True(t, g.HasNode("theirs"))
	assert.Equal(t, "A2", g.Nodes["a"].Attributes["name"])
}
