// Package telemetry exposes the prometheus metrics for the replication
// core, adapted from the teacher repo's pkg/metrics/metrics.go: the same
// promauto constructor shapes and per-node label convention, relabeled
// from server_id to destination_url.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReplicationAttemptsTotal counts every controller tick's attempt
	// counter increment.
	ReplicationAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_attempts_total",
		Help: "Total number of replication controller ticks attempted",
	})

	// ReplicationSendsTotal counts actual (non-throttled) send attempts
	// per destination and phase.
	ReplicationSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replication_sends_total",
		Help: "Total number of replication send attempts",
	}, []string{"destination_url", "phase", "outcome"})

	// ReplicationFailuresTotal counts FailureLedger.RecordFailure calls.
	ReplicationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replication_failures_total",
		Help: "Total number of recorded replication failures",
	}, []string{"destination_url"})

	// ReplicationThrottledTotal counts ticks skipped by the FailureLedger
	// throttle bands.
	ReplicationThrottledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replication_throttled_total",
		Help: "Total number of replication attempts skipped due to failure throttling",
	}, []string{"destination_url"})

	// ReplicationBatchSize observes the size of document batches sent.
	ReplicationBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replication_batch_size",
		Help:    "Number of documents per replicated batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"destination_url"})

	// ReplicationEtagLag observes, as a gauge, the destination's lag in
	// pending documents at negotiation time (best-effort, approximate).
	ReplicationEtagLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replication_pending_documents",
		Help: "Approximate number of documents pending replication to a destination",
	}, []string{"destination_url"})

	// ReplicationDestinationsConfigured tracks the number of resolved,
	// enabled destinations.
	ReplicationDestinationsConfigured = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replication_destinations_configured",
		Help: "Number of enabled replication destinations resolved on the last tick",
	})
)
