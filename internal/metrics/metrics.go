package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages enqueued counter
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"queue"},
	)

	// Messages leased by Claim
	MessagesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_claimed_total",
			Help: "Total number of messages leased by claim",
		},
		[]string{"queue"},
	)

	// Lifecycle results, labeled by operation (ack, release, extend) and
	// outcome (ok, expired, not_found).
	LeaseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_lease_outcomes_total",
			Help: "Lifecycle operation results by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// Store failures by operation and kind (unavailable, schema, invalid, other)
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_store_errors_total",
			Help: "Total number of store errors by operation and kind",
		},
		[]string{"op", "kind"},
	)

	// Store call latency
	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaseq_store_duration_seconds",
			Help:    "Time taken by store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Leases cleared by sweeper
	LeasesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_leases_expired_total",
			Help: "Total number of lapsed leases cleared by sweeper",
		},
	)

	// Sweeper run duration
	SweeperDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leaseq_sweeper_duration_seconds",
			Help:    "Time taken for sweeper to clear lapsed leases",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweeper errors counter
	SweeperErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_sweeper_errors_total",
			Help: "Total number of sweeper errors",
		},
	)

	// Receive calls that waited for a notification before claiming
	LongPollWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_long_poll_waits_total",
			Help: "Receive calls that waited, by result (woken, timeout)",
		},
		[]string{"result"},
	)
)
