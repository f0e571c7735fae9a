package detector

import (
	"fmt"
	"sync"
	"time"
)

// TimeRange is the observed span of the events contributing to an edge post.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

func (r TimeRange) expand(other TimeRange) TimeRange {
	if r.Start.IsZero() || other.Start.Before(r.Start) {
		r.Start = other.Start
	}
	if other.End.After(r.End) {
		r.End = other.End
	}
	return r
}

// edgeKey identifies an undirected edge. Always lo < hi so each actor pair
// has exactly one key.
type edgeKey struct {
	lo uint64
	hi uint64
}

func newEdgeKey(a, b uint64) edgeKey {
	if a < b {
		return edgeKey{lo: a, hi: b}
	}
	return edgeKey{lo: b, hi: a}
}

// CoGraph is an undirected weighted graph over actors. An edge carries the
// set of posts both endpoint actors reposted within the same window; the
// edge weight is the size of that set. Actors are interned to uint64 UIDs
// so edge keys stay compact over a long run.
//
// Pair and Unpair are called only from the ingestion path (via the window
// index). Snapshot may be called concurrently from the extraction path and
// never exposes live state.
type CoGraph struct {
	edges   map[edgeKey]map[string]TimeRange
	edgesLk sync.RWMutex

	utd   map[uint64]string
	utdLk sync.RWMutex

	dtu   map[string]uint64
	dtuLk sync.RWMutex

	nextUID uint64
	nextLk  sync.Mutex
}

func NewCoGraph() *CoGraph {
	return &CoGraph{
		edges: map[edgeKey]map[string]TimeRange{},
		utd:   map[uint64]string{},
		dtu:   map[string]uint64{},
	}
}

func (g *CoGraph) GetUID(did string) (uint64, bool) {
	g.dtuLk.RLock()
	defer g.dtuLk.RUnlock()
	uid, ok := g.dtu[did]
	return uid, ok
}

func (g *CoGraph) GetDID(uid uint64) (string, bool) {
	g.utdLk.RLock()
	defer g.utdLk.RUnlock()
	did, ok := g.utd[uid]
	return did, ok
}

func (g *CoGraph) nextFreeUID() uint64 {
	g.nextLk.Lock()
	defer g.nextLk.Unlock()
	uid := g.nextUID
	g.nextUID++
	return uid
}

// AcquireUID links a DID to a UID, creating a new UID if necessary.
// If the DID is already linked to a UID, that UID is returned.
func (g *CoGraph) AcquireUID(did string) uint64 {
	uid, ok := g.GetUID(did)
	if !ok {
		uid = g.nextFreeUID()
		g.dtuLk.Lock()
		g.dtu[did] = uid
		g.dtuLk.Unlock()
		g.utdLk.Lock()
		g.utd[uid] = did
		g.utdLk.Unlock()
	}
	return uid
}

// Pair records that actors a and b both reposted post within the same
// window, with span covering both contributing events. Adding the same post
// to the same edge again only widens the span; the weight never counts a
// post twice.
func (g *CoGraph) Pair(a, b uint64, post string, span TimeRange) {
	if a == b {
		return
	}
	key := newEdgeKey(a, b)

	g.edgesLk.Lock()
	defer g.edgesLk.Unlock()

	posts, ok := g.edges[key]
	if !ok {
		posts = map[string]TimeRange{}
		g.edges[key] = posts
		activeEdgesGauge.Inc()
	}
	posts[post] = posts[post].expand(span)
}

// Unpair removes post from the edge between a and b, deleting the edge once
// its post set is empty. Unpairing a post that is not on the edge is a no-op.
func (g *CoGraph) Unpair(a, b uint64, post string) {
	if a == b {
		return
	}
	key := newEdgeKey(a, b)

	g.edgesLk.Lock()
	defer g.edgesLk.Unlock()

	posts, ok := g.edges[key]
	if !ok {
		return
	}
	delete(posts, post)
	if len(posts) == 0 {
		delete(g.edges, key)
		activeEdgesGauge.Dec()
	}
}

// EdgeWeight returns the number of distinct posts shared on the edge
// between a and b, zero if no such edge exists.
func (g *CoGraph) EdgeWeight(a, b uint64) int {
	g.edgesLk.RLock()
	defer g.edgesLk.RUnlock()
	return len(g.edges[newEdgeKey(a, b)])
}

// SnapEdge is one qualifying edge in a snapshot, with a deep copy of its
// shared posts.
type SnapEdge struct {
	A     uint64
	B     uint64
	Posts map[string]TimeRange
}

// Snapshot is an immutable copy of all edges meeting a weight threshold,
// safe to read while ingestion keeps mutating the live graph.
type Snapshot struct {
	Edges []SnapEdge
}

// Snapshot copies out every edge with weight >= minShared. An edge with an
// empty post set should have been deleted by Unpair; finding one is an
// internal invariant violation and is surfaced, not swallowed.
func (g *CoGraph) Snapshot(minShared int) (*Snapshot, error) {
	g.edgesLk.RLock()
	defer g.edgesLk.RUnlock()

	snap := &Snapshot{}
	for key, posts := range g.edges {
		if len(posts) == 0 {
			return nil, fmt.Errorf("co-occurrence graph inconsistency: edge (%d,%d) has empty post set", key.lo, key.hi)
		}
		if len(posts) < minShared {
			continue
		}
		cp := make(map[string]TimeRange, len(posts))
		for post, span := range posts {
			cp[post] = span
		}
		snap.Edges = append(snap.Edges, SnapEdge{A: key.lo, B: key.hi, Posts: cp})
	}
	return snap, nil
}
