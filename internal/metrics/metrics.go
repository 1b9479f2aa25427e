// Package metrics holds the Prometheus collectors shared by the server and the ingester.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "faultline"

// Outcome label values for ReportsProcessed.
const (
	OutcomeCreated  = "created"
	OutcomeMerged   = "merged"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// Result label values for CacheLookups.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

var (
	// ReportsAccepted counts reports accepted at intake and enqueued.
	ReportsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reports_accepted_total",
		Help:      "Reports accepted by the intake endpoint and enqueued",
	})

	// ReportsProcessed counts queue deliveries by outcome.
	ReportsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reports_processed_total",
		Help:      "Queue deliveries handled by the aggregator, by outcome",
	}, []string{"outcome"})

	// IngestDuration tracks aggregator latency per report.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Time to merge or create a group for one report",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	})

	// GroupsResolved counts groups transitioned to inactive.
	GroupsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "groups_resolved_total",
		Help:      "Error groups resolved",
	})

	// CacheLookups counts group cache lookups by result.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "cache_lookups_total",
		Help:      "Group cache lookups by result",
	}, []string{"result"})

	// JoinScanned tracks how many occurrences one filtered group listing scanned.
	JoinScanned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "join_scanned_occurrences",
		Help:      "Occurrences scanned by one filtered group listing",
		Buckets:   []float64{10, 100, 1000, 10000, 100000},
	})

	// QueueDepth is the number of deliverable items waiting in the queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "queue_depth",
		Help:      "Deliverable items waiting in the report queue",
	})

	// QueueDeadLetters is the number of items that exhausted their delivery attempts.
	QueueDeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "queue_dead_letters",
		Help:      "Report queue items that exhausted their delivery attempts",
	})

	// HTTPRequests counts HTTP requests by method, route pattern and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	// HTTPDuration tracks HTTP latency by method and route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
