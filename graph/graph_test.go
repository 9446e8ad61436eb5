package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/teamkeys/crypto/primitives"
)

type testActor struct {
	signPub  []byte
	signPriv []byte
}

func newTestActor(t *testing.T) testActor {
	t.Helper()
	pub, priv, err := primitives.GenerateSigningKeyPair()
	require.NoError(t, err)
	return testActor{signPub: pub, signPriv: priv}
}

func appendTestLink(t *testing.T, g *Graph, actor testActor, teamKey []byte, gen uint64, payload string) Hash {
	t.Helper()
	body := LinkBody{
		Type:    "TEST_ACTION",
		Payload: json.RawMessage(`"` + payload + `"`),
		User:    actor.signPub,
		Device:  actor.signPub,
	}
	h, err := Append(g, body, gen, teamKey, actor.signPriv, actor.signPub)
	require.NoError(t, err)
	return h
}

func TestAppendSetsRootAndHead(t *testing.T) {
	g := New()
	actor := newTestActor(t)
	teamKey, err := primitives.RandomKey(32)
	require.NoError(t, err)

	h1 := appendTestLink(t, g, actor, teamKey, 0, "first")
	assert.Equal(t, h1, g.Root())
	assert.Equal(t, []Hash{h1}, g.Head())

	h2 := appendTestLink(t, g, actor, teamKey, 0, "second")
	assert.Equal(t, h1, g.Root())
	assert.Equal(t, []Hash{h2}, g.Head())
	assert.Equal(t, 2, g.Len())
}

func TestTopoSortIsDeterministic(t *testing.T) {
	g := New()
	actor := newTestActor(t)
	teamKey, err := primitives.RandomKey(32)
	require.NoError(t, err)

	appendTestLink(t, g, actor, teamKey, 0, "a")
	appendTestLink(t, g, actor, teamKey, 0, "b")
	appendTestLink(t, g, actor, teamKey, 0, "c")

	order1 := TopoSort(g, nil)
	order2 := TopoSort(g, nil)
	require.Len(t, order1, 3)
	assert.Equal(t, order1, order2)
}

// cloneGraph round-trips g through Save/Load so two independent *Graph
// values share the same root and links but can be mutated (branched)
// without aliasing each other's internal maps.
func cloneGraph(t *testing.T, g *Graph, teamKey []byte) *Graph {
	t.Helper()
	data, err := Save(g)
	require.NoError(t, err)
	clone, err := Load(data, func(gen uint64) ([]byte, bool) {
		if gen == 0 {
			return teamKey, true
		}
		return nil, false
	})
	require.NoError(t, err)
	return clone
}

func TestMergeIsIdempotentCommutativeAssociative(t *testing.T) {
	actor := newTestActor(t)
	teamKey, err := primitives.RandomKey(32)
	require.NoError(t, err)

	base := New()
	appendTestLink(t, base, actor, teamKey, 0, "root")

	g1 := cloneGraph(t, base, teamKey)
	appendTestLink(t, g1, actor, teamKey, 0, "alice-branch")

	g2 := cloneGraph(t, base, teamKey)
	appendTestLink(t, g2, actor, teamKey, 0, "bob-branch")

	merged1, err := Merge(g1, g1)
	require.NoError(t, err)
	assert.Equal(t, g1.Len(), merged1.Len(), "merge(g, g) should be idempotent in link count")

	mergedAB, err := Merge(g1, g2)
	require.NoError(t, err)
	mergedBA, err := Merge(g2, g1)
	require.NoError(t, err)
	assert.ElementsMatch(t, mergedAB.Head(), mergedBA.Head())
	assert.Equal(t, mergedAB.Len(), mergedBA.Len())
	assert.Equal(t, 3, mergedAB.Len(), "root + alice-branch + bob-branch")
	assert.Len(t, mergedAB.Head(), 2, "two concurrent branches form the frontier")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g := New()
	actor := newTestActor(t)
	teamKey, err := primitives.RandomKey(32)
	require.NoError(t, err)

	appendTestLink(t, g, actor, teamKey, 0, "first")
	appendTestLink(t, g, actor, teamKey, 0, "second")

	data, err := Save(g)
	require.NoError(t, err)

	loaded, err := Load(data, func(gen uint64) ([]byte, bool) {
		if gen == 0 {
			return teamKey, true
		}
		return nil, false
	})
	require.NoError(t, err)
	assert.Equal(t, g.Root(), loaded.Root())
	assert.Equal(t, g.Head(), loaded.Head())
	assert.Equal(t, g.Len(), loaded.Len())
}

func TestSaveLinksLoadThenMerge(t *testing.T) {
	source := New()
	actor := newTestActor(t)
	teamKey, err := primitives.RandomKey(32)
	require.NoError(t, err)

	appendTestLink(t, source, actor, teamKey, 0, "first")
	behind := cloneGraph(t, source, teamKey)
	h2 := appendTestLink(t, source, actor, teamKey, 0, "second")

	link2, ok := source.Link(h2)
	require.True(t, ok)

	// Ship only the second link, the way Connection's incremental SYNC
	// does once a parent-map diff reveals a peer is missing exactly one
	// hash it already has an ancestor for.
	data, err := SaveLinks([]*Link{link2})
	require.NoError(t, err)

	subset, err := Load(data, func(gen uint64) ([]byte, bool) {
		if gen == 0 {
			return teamKey, true
		}
		return nil, false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, subset.Len())

	merged, err := Merge(behind, subset)
	require.NoError(t, err)
	assert.Equal(t, 2, merged.Len())
	assert.Equal(t, []Hash{h2}, merged.Head())
}

func TestGetPredecessorsAndIsPredecessor(t *testing.T) {
	g := New()
	actor := newTestActor(t)
	teamKey, err := primitives.RandomKey(32)
	require.NoError(t, err)

	h1 := appendTestLink(t, g, actor, teamKey, 0, "first")
	h2 := appendTestLink(t, g, actor, teamKey, 0, "second")

	assert.True(t, IsPredecessor(g, h1, h2))
	assert.False(t, IsPredecessor(g, h2, h1))

	preds := GetPredecessors(g, h2)
	assert.True(t, preds[h1])
}

func TestGetParentMapDepthLimit(t *testing.T) {
	g := New()
	actor := newTestActor(t)
	teamKey, err := primitives.RandomKey(32)
	require.NoError(t, err)

	appendTestLink(t, g, actor, teamKey, 0, "a")
	appendTestLink(t, g, actor, teamKey, 0, "b")
	h3 := appendTestLink(t, g, actor, teamKey, 0, "c")

	depth := 0
	pm := GetParentMap(g, ParentMapOptions{Depth: &depth})
	_, onlyHead := pm[h3]
	assert.True(t, onlyHead)
	assert.Len(t, pm, 1)
}
