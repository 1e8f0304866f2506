package change

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/diagram-sync/pkg/diagram"
)

func frozenBuilder() *Builder {
	at := time.UnixMilli(1000)
	return NewBuilder(WithClock(func() time.Time { return at }))
}

func TestBuilderTimestampsAreStrictlyIncreasing(t *testing.T) {
	b := frozenBuilder()
	first := b.Build(UpdateNode, "n1", Payload{"name": "a"})
	second := b.Build(UpdateNode, "n1", Payload{"name": "b"})
	assert.Equal(t, int64(1000), first.Timestamp)
	assert.Equal(t, int64(1001), second.Timestamp)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestBuildCopiesPayload(t *testing.T) {
	b := NewBuilder()
	p := Payload{"members": []any{"x"}}
	c := b.Build(CreateNode, "n1", p)
	p["members"].([]any)[0] = "y"
	p["extra"] = true
	assert.Equal(t, []any{"x"}, c.Payload["members"])
	assert.NotContains(t, c.Payload, "extra")
}

func TestValidate(t *testing.T) {
	b := NewBuilder()
	cases := []struct {
		name   string
		change Change
		ok     bool
	}{
		{"create node", b.CreateNode("n1", "class", diagram.Attributes{"name": "A"}), true},
		{"update node", b.UpdateNode("n1", Payload{"name": "B"}), true},
		{"delete node", b.DeleteNode("n1"), true},
		{"create edge", b.CreateEdge("e1", "n1", "n2", "association", nil), true},
		{"update edge", b.UpdateEdge("e1", "n1", "n2", Payload{"label": "x"}), true},
		{"delete edge only needs id", b.DeleteEdge("e1"), true},
		{"batch", b.Batch(b.DeleteEdge("e1"), b.DeleteNode("n1")), true},
		{"missing target id", b.Build(UpdateNode, "", Payload{"name": "x"}), false},
		{"edge missing source", b.Build(CreateEdge, "e1", Payload{KeyTarget: "n2"}), false},
		{"update edge missing target", b.Build(UpdateEdge, "e1", Payload{KeySource: "n1"}), false},
		{"unknown kind", b.Build(Kind("rename"), "n1", nil), false},
		{"empty batch", b.Batch(), false},
		{"batch with invalid child", b.Batch(b.DeleteNode("n1"), b.Build(DeleteEdge, "", nil)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.change)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidChange))
			var ice *InvalidChangeError
			require.ErrorAs(t, err, &ice)
			assert.NotEmpty(t, ice.Reason)
		})
	}
}

func TestLeavesFlattensNestedBatches(t *testing.T) {
	b := frozenBuilder()
	inner := b.Batch(b.DeleteEdge("e1"), b.DeleteNode("n2"))
	outer := b.Batch(b.UpdateNode("n1", Payload{"x": 1.0}), inner)

	leaves := Leaves(outer)
	require.Len(t, leaves, 3)
	assert.Equal(t, []string{"n1", "e1", "n2"}, []string{leaves[0].TargetID, leaves[1].TargetID, leaves[2].TargetID})
}

func TestLeavesInheritsBatchTimestamp(t *testing.T) {
	c := Change{Kind: Batch, ID: "b1", Timestamp: 42, Changes: []Change{{Kind: DeleteNode, TargetID: "n1"}}}
	leaves := Leaves(c)
	require.Len(t, leaves, 1)
	assert.Equal(t, int64(42), leaves[0].Timestamp)
	assert.Equal(t, "b1", leaves[0].ID)
}

func TestChangeJSONShape(t *testing.T) {
	c := Change{ID: "x", Kind: UpdateEdge, TargetID: "e1", Timestamp: 5, Payload: Payload{KeySource: "a", KeyTarget: "b"}}
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x","kind":"update_edge","target_id":"e1","timestamp":5,"payload":{"source":"a","target":"b"}}`, string(raw))
}

func TestPayloadAttributesSkipsReservedKeys(t *testing.T) {
	p := Payload{KeyKind: "class", KeySource: "a", KeyTarget: "b", "name": "A"}
	assert.Equal(t, diagram.Attributes{"name": "A"}, p.Attributes())
}

func TestNewElementID(t *testing.T) {
	assert.NotEqual(t, NewElementID("node"), NewElementID("node"))
	assert.Regexp(t, `^node-`, NewElementID("node"))
}
