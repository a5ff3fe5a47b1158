// Package metrics holds leapfrog's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Normalization

	ObjectsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leapfrog_objects_created_total",
			Help: "Objects persisted by the normalizer",
		},
		[]string{"service"},
	)

	ObjectsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leapfrog_objects_deduplicated_total",
			Help: "Foreign posts that were already stored",
		},
		[]string{"service"},
	)

	SharesCollapsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leapfrog_shares_collapsed_total",
			Help: "Link posts recognised as shares of their target",
		},
		[]string{"service"},
	)

	ResolutionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leapfrog_resolution_failures_total",
			Help: "Linked URLs that could not be resolved to an object",
		},
	)

	CyclesCut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leapfrog_reply_cycles_cut_total",
			Help: "Reply chains cut because of a cycle or the depth bound",
		},
	)

	AccountsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leapfrog_accounts_created_total",
			Help: "Foreign accounts created by the identity resolver",
		},
		[]string{"service"},
	)

	// Streams

	StreamEntriesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leapfrog_stream_entries_created_total",
			Help: "New user stream rows",
		},
		[]string{"verb"},
	)

	ReplyEntriesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leapfrog_reply_entries_created_total",
			Help: "New user reply stream rows",
		},
	)

	// Polling

	PollItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leapfrog_poll_items_total",
			Help: "Items handled by service pollers",
		},
		[]string{"service"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leapfrog_poll_errors_total",
			Help: "Poll errors by service and kind",
		},
		[]string{"service", "kind"}, // "transport", "malformed", "other"
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leapfrog_poll_duration_seconds",
			Help:    "Duration of one account poll",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	PollLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leapfrog_poll_last_success_timestamp",
			Help: "Unix time of the last completed poll run",
		},
	)

	// 0 closed, 1 half-open, 2 open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leapfrog_circuit_breaker_state",
			Help: "Circuit breaker state per upstream service",
		},
		[]string{"service"},
	)

	// HTTP API

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leapfrog_api_requests_total",
			Help: "API requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	// Imports

	ImportItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leapfrog_import_items_total",
			Help: "Imported items by source and outcome",
		},
		[]string{"source", "outcome"},
	)
)

// RecordPoll records one account poll.
func RecordPoll(service string, d time.Duration, items int) {
	PollDuration.WithLabelValues(service).Observe(d.Seconds())
	PollItems.WithLabelValues(service).Add(float64(items))
}
