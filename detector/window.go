package detector

import "time"

type windowEntry struct {
	actor uint64
	at    time.Time
}

// postWindow holds the repost events for one post that are still inside the
// trailing window. newest is the largest event time seen for the post; the
// eviction cutoff follows it, not the wall clock, so a replayed stream is
// windowed identically to a live one.
type postWindow struct {
	entries []windowEntry
	actors  map[uint64]int
	newest  time.Time
}

// WindowIndex maintains the per-post trailing windows and drives the
// co-occurrence graph: admitting an event pairs its actor with every other
// actor still in the post's window, and evicting an entry unpairs its actor
// once no entry of theirs remains on the post.
//
// Owned by the ingestion path; callers serialize Admit and Sweep.
type WindowIndex struct {
	window time.Duration
	posts  map[string]*postWindow
	graph  *CoGraph
}

func NewWindowIndex(window time.Duration, graph *CoGraph) *WindowIndex {
	return &WindowIndex{
		window: window,
		posts:  map[string]*postWindow{},
		graph:  graph,
	}
}

// Admit inserts evt into its post's window, evicting entries older than the
// post's newest event time minus the window first. An event arriving later
// than the cutoff for its own post is dropped without pairing: its peers
// were already evicted, so there is nothing left to pair with.
func (w *WindowIndex) Admit(evt RepostEvent) {
	uid := w.graph.AcquireUID(evt.Actor)

	pw, ok := w.posts[evt.Post]
	if !ok {
		pw = &postWindow{actors: map[uint64]int{}}
		w.posts[evt.Post] = pw
	}
	if evt.At.After(pw.newest) {
		pw.newest = evt.At
	}
	cutoff := pw.newest.Add(-w.window)
	w.evictPost(evt.Post, pw, cutoff)

	if evt.At.Before(cutoff) {
		lateEventsCounter.Inc()
		if len(pw.entries) == 0 {
			delete(w.posts, evt.Post)
		}
		activePostsGauge.Set(float64(len(w.posts)))
		return
	}

	for other := range pw.actors {
		if other == uid {
			continue
		}
		w.graph.Pair(uid, other, evt.Post, w.pairSpan(pw, other, evt.At))
	}

	pw.actors[uid]++
	pw.entries = append(pw.entries, windowEntry{actor: uid, at: evt.At})
	eventsAdmittedCounter.Inc()
	activePostsGauge.Set(float64(len(w.posts)))
}

// pairSpan covers the new event plus every in-window entry of the peer
// actor on this post.
func (w *WindowIndex) pairSpan(pw *postWindow, other uint64, at time.Time) TimeRange {
	span := TimeRange{Start: at, End: at}
	for _, e := range pw.entries {
		if e.actor == other {
			span = span.expand(TimeRange{Start: e.at, End: e.at})
		}
	}
	return span
}

// Sweep evicts entries older than now minus the window across all posts.
// Sweeping twice at the same timestamp leaves the index and graph unchanged
// the second time.
func (w *WindowIndex) Sweep(now time.Time) {
	cutoff := now.Add(-w.window)
	for post, pw := range w.posts {
		w.evictPost(post, pw, cutoff)
		if len(pw.entries) == 0 {
			delete(w.posts, post)
		}
	}
	activePostsGauge.Set(float64(len(w.posts)))
}

func (w *WindowIndex) evictPost(post string, pw *postWindow, cutoff time.Time) {
	kept := pw.entries[:0]
	for _, e := range pw.entries {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
			continue
		}
		entriesEvictedCounter.Inc()
		pw.actors[e.actor]--
		if pw.actors[e.actor] == 0 {
			delete(pw.actors, e.actor)
			for other := range pw.actors {
				w.graph.Unpair(e.actor, other, post)
			}
		}
	}
	pw.entries = kept
}

// ActivePosts returns the number of posts currently holding a window.
func (w *WindowIndex) ActivePosts() int {
	return len(w.posts)
}
