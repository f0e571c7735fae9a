// Package detector finds coordinated reposting behavior in a stream of
// repost events: sets of accounts that repeatedly amplify the same posts
// within short, overlapping time windows.
//
// Events flow through a per-post trailing window (WindowIndex) into an
// undirected co-occurrence graph (CoGraph) whose edges count the distinct
// posts two actors both reposted within the window of each other. Groups
// are maximal cliques over the edges meeting the shared-post threshold,
// filtered by group size.
package detector

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Config carries the run thresholds. Validation is strict: an invalid
// threshold is a configuration error and never silently defaulted.
type Config struct {
	// TimeWindow is the trailing interval within which reposts of the same
	// post count as co-occurring.
	TimeWindow time.Duration

	// MinGroupSize is the smallest group worth reporting, at least 2.
	MinGroupSize int

	// MinSharedPosts is the smallest pairwise edge weight that qualifies,
	// at least 1.
	MinSharedPosts int
}

func (c Config) Validate() error {
	if c.TimeWindow <= 0 {
		return fmt.Errorf("invalid config: time window must be positive, got %s", c.TimeWindow)
	}
	if c.MinGroupSize < 2 {
		return fmt.Errorf("invalid config: min group size must be at least 2, got %d", c.MinGroupSize)
	}
	if c.MinSharedPosts < 1 {
		return fmt.Errorf("invalid config: min shared posts must be at least 1, got %d", c.MinSharedPosts)
	}
	return nil
}

// Detector owns the window index and co-occurrence graph for one run and
// collects the distinct groups seen across that run.
//
// Admit and Sweep serialize on an internal mutex: the firehose consumer is
// the primary writer, and the periodic sweep only reuses the same write
// path. Extraction reads an immutable graph snapshot and never touches
// live window or edge state.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	window *WindowIndex
	graph  *CoGraph
	latest time.Time

	groupsMu sync.Mutex
	groups   map[string]*Group
}

func NewDetector(logger *slog.Logger, cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	graph := NewCoGraph()
	return &Detector{
		cfg:    cfg,
		logger: logger.With("system", "detector"),
		window: NewWindowIndex(cfg.TimeWindow, graph),
		graph:  graph,
		groups: map[string]*Group{},
	}, nil
}

// Admit feeds one normalized repost event into the window index.
func (d *Detector) Admit(evt RepostEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if evt.At.After(d.latest) {
		d.latest = evt.At
	}
	d.window.Admit(evt)
}

// Sweep evicts aged-out entries across all posts as of now.
func (d *Detector) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window.Sweep(now)
}

// LatestEventTime returns the largest event time admitted so far, the
// natural clock for a deterministic Sweep.
func (d *Detector) LatestEventTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

// ActivePosts returns how many posts currently hold window entries.
func (d *Detector) ActivePosts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window.ActivePosts()
}

// ExtractGroups snapshots the graph, enumerates qualifying groups, and
// folds them into the run's distinct set, deduplicated by full membership.
// A membership seen again merges shared posts and widens the time span.
// Returns the groups first seen in this pass.
func (d *Detector) ExtractGroups() ([]*Group, error) {
	snap, err := d.graph.Snapshot(d.cfg.MinSharedPosts)
	if err != nil {
		return nil, err
	}
	found := groupsFromSnapshot(snap, d.cfg.MinGroupSize, d.graph.GetDID)
	d.logger.Debug("extraction pass", "qualifying_edges", len(snap.Edges), "cliques", len(found))

	var fresh []*Group
	d.groupsMu.Lock()
	for _, g := range found {
		if prev, ok := d.groups[g.Key()]; ok {
			prev.merge(g)
			continue
		}
		d.groups[g.Key()] = g
		fresh = append(fresh, g)
	}
	d.groupsMu.Unlock()

	groupsDetectedCounter.Add(float64(len(fresh)))
	return fresh, nil
}

// Groups returns every distinct group detected during the run, ordered by
// membership for a stable report.
func (d *Detector) Groups() []*Group {
	d.groupsMu.Lock()
	defer d.groupsMu.Unlock()

	keys := make([]string, 0, len(d.groups))
	for k := range d.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Group, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.groups[k])
	}
	return out
}
