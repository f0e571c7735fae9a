package firehose

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("murmur/firehose")

var commitsReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "murmur_firehose_commits_received_total",
	Help: "Number of repo commit events received from the stream",
})

var repostsProcessedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "murmur_firehose_reposts_processed_total",
	Help: "Number of repost records normalized and handed to the detector",
})

var recordsFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "murmur_firehose_records_failed_total",
	Help: "Number of repost records skipped because they could not be decoded",
})
