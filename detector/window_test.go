package detector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func admitAll(w *WindowIndex, evts []RepostEvent) {
	for _, evt := range evts {
		w.Admit(evt)
	}
}

func mustUID(t *testing.T, g *CoGraph, did string) uint64 {
	t.Helper()
	uid, ok := g.GetUID(did)
	require.True(t, ok, "expected %s to be interned", did)
	return uid
}

func TestPairWeightCountsDistinctPosts(t *testing.T) {
	assert := assert.New(t)

	g := NewCoGraph()
	w := NewWindowIndex(20*time.Minute, g)

	actors := []string{"did:plc:alice", "did:plc:bob", "did:plc:carol"}
	for i, post := range []string{"at://p/1", "at://p/2", "at://p/3"} {
		for j, actor := range actors {
			w.Admit(RepostEvent{Actor: actor, Post: post, At: t0.Add(time.Duration(i*5+j) * time.Minute)})
		}
	}

	a := mustUID(t, g, actors[0])
	b := mustUID(t, g, actors[1])
	c := mustUID(t, g, actors[2])
	assert.Equal(3, g.EdgeWeight(a, b))
	assert.Equal(3, g.EdgeWeight(b, c))
	assert.Equal(3, g.EdgeWeight(a, c))
}

func TestDuplicateRepostDoesNotInflateWeight(t *testing.T) {
	assert := assert.New(t)

	g := NewCoGraph()
	w := NewWindowIndex(20*time.Minute, g)

	admitAll(w, []RepostEvent{
		{Actor: "did:plc:alice", Post: "at://p/1", At: t0},
		{Actor: "did:plc:bob", Post: "at://p/1", At: t0.Add(time.Minute)},
		{Actor: "did:plc:alice", Post: "at://p/1", At: t0.Add(2 * time.Minute)},
		{Actor: "did:plc:alice", Post: "at://p/1", At: t0.Add(3 * time.Minute)},
	})

	a := mustUID(t, g, "did:plc:alice")
	b := mustUID(t, g, "did:plc:bob")
	assert.Equal(1, g.EdgeWeight(a, b))
}

// An actor with more than one entry on a post stays paired until their last
// entry ages out.
func TestPartialEvictionKeepsPairing(t *testing.T) {
	assert := assert.New(t)

	g := NewCoGraph()
	w := NewWindowIndex(20*time.Minute, g)

	admitAll(w, []RepostEvent{
		{Actor: "did:plc:alice", Post: "at://p/1", At: t0},
		{Actor: "did:plc:bob", Post: "at://p/1", At: t0.Add(time.Minute)},
		{Actor: "did:plc:alice", Post: "at://p/1", At: t0.Add(15 * time.Minute)},
	})

	a := mustUID(t, g, "did:plc:alice")
	b := mustUID(t, g, "did:plc:bob")

	// alice's first entry ages out, her second is still inside
	w.Sweep(t0.Add(20*time.Minute + 30*time.Second))
	assert.Equal(1, g.EdgeWeight(a, b))

	// bob ages out next and the pairing is gone
	w.Sweep(t0.Add(25 * time.Minute))
	assert.Equal(0, g.EdgeWeight(a, b))
}

// Scenario: two actors repost the same post 25 minutes apart with a 20
// minute window. The first entry ages out before the second arrives, so no
// pairing survives.
func TestPairAgesOutBeforeOverlap(t *testing.T) {
	assert := assert.New(t)

	g := NewCoGraph()
	w := NewWindowIndex(20*time.Minute, g)

	admitAll(w, []RepostEvent{
		{Actor: "did:plc:alice", Post: "at://p/1", At: t0},
		{Actor: "did:plc:bob", Post: "at://p/1", At: t0.Add(25 * time.Minute)},
	})

	a := mustUID(t, g, "did:plc:alice")
	b := mustUID(t, g, "did:plc:bob")
	assert.Equal(0, g.EdgeWeight(a, b))

	snap, err := g.Snapshot(1)
	assert.NoError(err)
	assert.Empty(snap.Edges)
}

func TestSweepIdempotent(t *testing.T) {
	assert := assert.New(t)

	g := NewCoGraph()
	w := NewWindowIndex(20*time.Minute, g)

	for i := 0; i < 10; i++ {
		for j := 0; j < 3; j++ {
			w.Admit(RepostEvent{
				Actor: fmt.Sprintf("did:plc:actor%d", j),
				Post:  fmt.Sprintf("at://p/%d", i),
				At:    t0.Add(time.Duration(i*3+j) * time.Minute),
			})
		}
	}

	now := t0.Add(40 * time.Minute)
	w.Sweep(now)
	first, err := g.Snapshot(1)
	require.NoError(t, err)
	firstPosts := w.ActivePosts()

	w.Sweep(now)
	second, err := g.Snapshot(1)
	require.NoError(t, err)

	assert.Equal(firstPosts, w.ActivePosts())
	assert.Equal(len(first.Edges), len(second.Edges))
	weights := func(s *Snapshot) map[edgeKey]int {
		out := map[edgeKey]int{}
		for _, e := range s.Edges {
			out[edgeKey{lo: e.A, hi: e.B}] = len(e.Posts)
		}
		return out
	}
	assert.Equal(weights(first), weights(second))
}

func TestLateEventDroppedWithoutPairing(t *testing.T) {
	assert := assert.New(t)

	g := NewCoGraph()
	w := NewWindowIndex(20*time.Minute, g)

	admitAll(w, []RepostEvent{
		{Actor: "did:plc:alice", Post: "at://p/1", At: t0},
		{Actor: "did:plc:bob", Post: "at://p/1", At: t0.Add(time.Minute)},
		// 31 minutes behind the post's newest event: beyond the cutoff
		{Actor: "did:plc:carol", Post: "at://p/1", At: t0.Add(-30 * time.Minute)},
	})

	a := mustUID(t, g, "did:plc:alice")
	b := mustUID(t, g, "did:plc:bob")
	c := mustUID(t, g, "did:plc:carol")
	assert.Equal(1, g.EdgeWeight(a, b))
	assert.Equal(0, g.EdgeWeight(a, c))
	assert.Equal(0, g.EdgeWeight(b, c))
}

// Replaying the same multiset of events in any order consistent with
// non-decreasing timestamps per post yields the same final edge weights.
func TestOrderIndependenceWithinWindow(t *testing.T) {
	assert := assert.New(t)

	p1 := []RepostEvent{
		{Actor: "did:plc:alice", Post: "at://p/1", At: t0},
		{Actor: "did:plc:bob", Post: "at://p/1", At: t0.Add(2 * time.Minute)},
		{Actor: "did:plc:carol", Post: "at://p/1", At: t0.Add(4 * time.Minute)},
	}
	p2 := []RepostEvent{
		{Actor: "did:plc:bob", Post: "at://p/2", At: t0.Add(time.Minute)},
		{Actor: "did:plc:carol", Post: "at://p/2", At: t0.Add(3 * time.Minute)},
		{Actor: "did:plc:alice", Post: "at://p/2", At: t0.Add(5 * time.Minute)},
	}

	orderings := [][]RepostEvent{
		{p1[0], p1[1], p1[2], p2[0], p2[1], p2[2]},
		{p2[0], p2[1], p2[2], p1[0], p1[1], p1[2]},
		{p1[0], p2[0], p1[1], p2[1], p1[2], p2[2]},
	}

	var baseline map[string]int
	for i, evts := range orderings {
		g := NewCoGraph()
		w := NewWindowIndex(20*time.Minute, g)
		admitAll(w, evts)

		weights := map[string]int{}
		for _, pair := range [][2]string{
			{"did:plc:alice", "did:plc:bob"},
			{"did:plc:bob", "did:plc:carol"},
			{"did:plc:alice", "did:plc:carol"},
		} {
			a := mustUID(t, g, pair[0])
			b := mustUID(t, g, pair[1])
			weights[pair[0]+"|"+pair[1]] = g.EdgeWeight(a, b)
		}

		if i == 0 {
			baseline = weights
			continue
		}
		assert.Equal(baseline, weights, "ordering %d diverged", i)
	}
}
