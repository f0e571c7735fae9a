package detector

import (
	"sort"
	"time"
)

// Group is a set of mutually co-occurring actors meeting both thresholds,
// reported as evidence of coordinated reposting. Members and SharedPosts
// are sorted; Start/End span the contributing events.
type Group struct {
	Members     []string
	SharedPosts []string
	Start       time.Time
	End         time.Time
}

// Key identifies a group by full membership. Two groups differing by even
// one member are distinct.
func (g *Group) Key() string {
	key := ""
	for i, m := range g.Members {
		if i > 0 {
			key += ","
		}
		key += m
	}
	return key
}

func (g *Group) merge(other *Group) {
	posts := map[string]struct{}{}
	for _, p := range g.SharedPosts {
		posts[p] = struct{}{}
	}
	for _, p := range other.SharedPosts {
		posts[p] = struct{}{}
	}
	g.SharedPosts = sortedKeys(posts)
	if other.Start.Before(g.Start) {
		g.Start = other.Start
	}
	if other.End.After(g.End) {
		g.End = other.End
	}
}

// groupsFromSnapshot enumerates maximal cliques over the qualifying-edge
// graph and keeps those of size >= minSize. Clique semantics are deliberate:
// every pair of members must share enough posts, so two disjoint pairs can
// never be reported as one group. The qualifying-edge graph is sparse in
// practice, which keeps the pivoted Bron-Kerbosch enumeration tractable;
// dense inputs are bounded by conservative threshold defaults, and a
// pathological graph degrades in extraction time, never in correctness.
func groupsFromSnapshot(snap *Snapshot, minSize int, didOf func(uint64) (string, bool)) []*Group {
	adj := map[uint64]map[uint64]*SnapEdge{}
	for i := range snap.Edges {
		e := &snap.Edges[i]
		if adj[e.A] == nil {
			adj[e.A] = map[uint64]*SnapEdge{}
		}
		if adj[e.B] == nil {
			adj[e.B] = map[uint64]*SnapEdge{}
		}
		adj[e.A][e.B] = e
		adj[e.B][e.A] = e
	}

	p := map[uint64]struct{}{}
	for uid := range adj {
		p[uid] = struct{}{}
	}

	var cliques [][]uint64
	bronKerbosch(nil, p, map[uint64]struct{}{}, adj, &cliques)

	var groups []*Group
	for _, clique := range cliques {
		if len(clique) < minSize {
			continue
		}
		if g := buildGroup(clique, adj, didOf); g != nil {
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key() < groups[j].Key() })
	return groups
}

// bronKerbosch enumerates maximal cliques of the adjacency, with pivoting
// to skip neighbors of the highest-degree candidate.
func bronKerbosch(r []uint64, p, x map[uint64]struct{}, adj map[uint64]map[uint64]*SnapEdge, out *[][]uint64) {
	if len(p) == 0 && len(x) == 0 {
		clique := make([]uint64, len(r))
		copy(clique, r)
		*out = append(*out, clique)
		return
	}

	var pivot uint64
	best := -1
	for _, set := range []map[uint64]struct{}{p, x} {
		for u := range set {
			n := 0
			for v := range p {
				if _, ok := adj[u][v]; ok {
					n++
				}
			}
			if n > best {
				best = n
				pivot = u
			}
		}
	}

	candidates := make([]uint64, 0, len(p))
	for v := range p {
		if _, ok := adj[pivot][v]; !ok {
			candidates = append(candidates, v)
		}
	}

	for _, v := range candidates {
		np := map[uint64]struct{}{}
		for u := range p {
			if _, ok := adj[v][u]; ok {
				np[u] = struct{}{}
			}
		}
		nx := map[uint64]struct{}{}
		for u := range x {
			if _, ok := adj[v][u]; ok {
				nx[u] = struct{}{}
			}
		}
		bronKerbosch(append(r, v), np, nx, adj, out)
		delete(p, v)
		x[v] = struct{}{}
	}
}

// buildGroup resolves clique members back to DIDs, intersects the shared
// posts across all pairwise edges, and spans the contributing events.
func buildGroup(clique []uint64, adj map[uint64]map[uint64]*SnapEdge, didOf func(uint64) (string, bool)) *Group {
	members := make([]string, 0, len(clique))
	for _, uid := range clique {
		did, ok := didOf(uid)
		if !ok {
			return nil
		}
		members = append(members, did)
	}
	sort.Strings(members)

	var shared map[string]struct{}
	var span TimeRange
	for i := 0; i < len(clique); i++ {
		for j := i + 1; j < len(clique); j++ {
			edge := adj[clique[i]][clique[j]]
			if edge == nil {
				return nil
			}
			for _, postSpan := range edge.Posts {
				span = span.expand(postSpan)
			}
			if shared == nil {
				shared = map[string]struct{}{}
				for post := range edge.Posts {
					shared[post] = struct{}{}
				}
				continue
			}
			for post := range shared {
				if _, ok := edge.Posts[post]; !ok {
					delete(shared, post)
				}
			}
		}
	}

	return &Group{
		Members:     members,
		SharedPosts: sortedKeys(shared),
		Start:       span.Start,
		End:         span.End,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
