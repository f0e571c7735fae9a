package detector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsAdmittedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "murmur_events_admitted_total",
	Help: "Number of repost events admitted to the window index",
})

var lateEventsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "murmur_late_events_total",
	Help: "Number of repost events dropped for arriving behind their post's window cutoff",
})

var entriesEvictedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "murmur_window_entries_evicted_total",
	Help: "Number of window entries evicted after aging out",
})

var activePostsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "murmur_active_posts",
	Help: "Number of posts with at least one repost inside the window",
})

var activeEdgesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "murmur_active_edges",
	Help: "Number of live co-occurrence edges",
})

var groupsDetectedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "murmur_groups_detected_total",
	Help: "Number of distinct coordinated groups detected this run",
})
