package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/diagram"
)

func graphWith(ids ...string) *diagram.Graph {
	g := diagram.New()
	for _, id := range ids {
		g.Nodes[id] = &diagram.Node{ID: id, Kind: "class"}
	}
	return g
}

func TestStaleWriteAgainstInFlightLocalEdit(t *testing.T) {
	g := graphWith("n1")
	pending := map[string]PendingChange{"n1": {Timestamp: 100}}

	older := change.Change{Kind: change.UpdateNode, TargetID: "n1", Timestamp: 50, Payload: change.Payload{"name": "x"}}
	r := Detect(older, g, pending)
	require.NotNil(t, r)
	assert.Equal(t, StaleWrite, r.Kind)
	assert.Equal(t, "n1", r.TargetID)
	require.NotNil(t, r.Local)
	assert.Equal(t, int64(100), r.Local.Timestamp)
	assert.Equal(t, older, r.Remote)
	assert.True(t, r.Allows(AcceptRemote))
	assert.True(t, r.Allows(KeepLocal))
	assert.True(t, r.Allows(AttemptMerge))
	assert.False(t, r.Allows(Recreate))

	newer := older
	newer.Timestamp = 150
	assert.Nil(t, Detect(newer, g, pending))
}

func TestEqualTimestampIsNotStale(t *testing.T) {
	pending := map[string]PendingChange{"n1": {Timestamp: 100}}
	c := change.Change{Kind: change.UpdateNode, TargetID: "n1", Timestamp: 100}
	assert.Nil(t, Detect(c, graphWith("n1"), pending))
}

func TestMissingTarget(t *testing.T) {
	r := Detect(change.Change{Kind: change.UpdateNode, TargetID: "ghost", Timestamp: 1}, graphWith("n1"), map[string]PendingChange{})
	require.NotNil(t, r)
	assert.Equal(t, MissingTarget, r.Kind)
	assert.Equal(t, "ghost", r.MissingID)
	assert.Nil(t, r.Local)
	assert.Equal(t, []Strategy{Ignore, Recreate}, []Strategy{r.Strategies[0].ID, r.Strategies[1].ID})
}

func TestMissingTargetForDeletesAndEdges(t *testing.T) {
	g := graphWith("a", "b")
	for _, c := range []change.Change{
		{Kind: change.DeleteNode, TargetID: "ghost"},
		{Kind: change.UpdateEdge, TargetID: "ghost", Payload: change.Payload{change.KeySource: "a", change.KeyTarget: "b"}},
		{Kind: change.DeleteEdge, TargetID: "ghost"},
	} {
		r := Detect(c, g, nil)
		require.NotNil(t, r, c.Kind)
		assert.Equal(t, MissingTarget, r.Kind)
	}
}

func TestCreateEdgeToMissingEndpoint(t *testing.T) {
	c := change.Change{Kind: change.CreateEdge, TargetID: "e1", Payload: change.Payload{change.KeySource: "a", change.KeyTarget: "zzz"}}
	r := Detect(c, graphWith("a"), nil)
	require.NotNil(t, r)
	assert.Equal(t, MissingTarget, r.Kind)
	assert.Equal(t, "e1", r.TargetID)
	assert.Equal(t, "zzz", r.MissingID)
}

func TestCreatesDoNotConflict(t *testing.T) {
	g := graphWith("a", "b")
	assert.Nil(t, Detect(change.Change{Kind: change.CreateNode, TargetID: "c"}, g, nil))
	assert.Nil(t, Detect(change.Change{Kind: change.CreateNode, TargetID: "a"}, g, nil))
	assert.Nil(t, Detect(change.Change{Kind: change.CreateEdge, TargetID: "ab", Payload: change.Payload{change.KeySource: "a", change.KeyTarget: "b"}}, g, nil))
}

func TestBatchUsesOverlay(t *testing.T) {
	b := change.NewBuilder()
	g := graphWith("a")
	batch := b.Batch(
		b.CreateNode("b", "class", nil),
		b.CreateEdge("ab", "a", "b", "association", nil),
		b.UpdateNode("b", change.Payload{"name": "B"}),
	)
	assert.Nil(t, Detect(batch, g, nil))

	broken := b.Batch(
		b.DeleteNode("a"),
		b.UpdateNode("a", change.Payload{"name": "A"}),
	)
	r := Detect(broken, g, nil)
	require.NotNil(t, r)
	assert.Equal(t, MissingTarget, r.Kind)
	assert.Equal(t, "a", r.TargetID)
	assert.Equal(t, change.Batch, r.Remote.Kind)
}

func TestBatchStaleLeaf(t *testing.T) {
	g := graphWith("a")
	batch := change.Change{Kind: change.Batch, Timestamp: 10, Changes: []change.Change{
		{Kind: change.UpdateNode, TargetID: "a", Payload: change.Payload{"name": "x"}},
	}}
	r := Detect(batch, g, map[string]PendingChange{"a": {Timestamp: 20}})
	require.NotNil(t, r)
	assert.Equal(t, StaleWrite, r.Kind)
}

func TestDetectIsPure(t *testing.T) {
	g := graphWith("a")
	pending := map[string]PendingChange{"a": {Timestamp: 20}}
	before := g.Clone()
	_ = Detect(change.Change{Kind: change.DeleteNode, TargetID: "a", Timestamp: 1}, g, pending)
	assert.Equal(t, before, g)
	assert.Len(t, pending, 1)
}

func TestDefaultStrategy(t *testing.T) {
	assert.Equal(t, AcceptRemote, DefaultStrategy(StaleWrite))
	assert.Equal(t, Ignore, DefaultStrategy(MissingTarget))
}
