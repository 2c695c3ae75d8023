package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sync engine collectors. Label values are constrained to small fixed sets
// (entity types, operations, outcome names) so cardinality stays bounded.
var (
	QueueEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatesync_queue_enqueued_total",
			Help: "Mutations appended to the outbound queue.",
		},
		[]string{"entity_type", "operation"},
	)

	QueueCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatesync_queue_coalesced_total",
			Help: "Mutations merged into an existing pending queue item.",
		},
	)

	QueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatesync_queue_pending",
			Help: "Items currently in the active outbound queue.",
		},
	)

	// outcome: ok, transient, systemic, validation, conflict
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatesync_submissions_total",
			Help: "Queue item submissions by outcome.",
		},
		[]string{"outcome"},
	)

	DeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatesync_dead_letters_total",
			Help: "Queue items moved to the dead-letter record.",
		},
	)

	// result: empty, drained, halted, waiting, canceled
	Drains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatesync_drains_total",
			Help: "Completed drain passes by result.",
		},
		[]string{"result"},
	)

	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatesync_drain_duration_seconds",
			Help:    "Duration of drain passes in seconds.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		},
	)

	// 0 disconnected, 1 connecting, 2 connected
	RealtimeState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatesync_realtime_state",
			Help: "Realtime channel state (0 disconnected, 1 connecting, 2 connected).",
		},
	)

	RealtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatesync_realtime_reconnects_total",
			Help: "Realtime reconnect attempts after a lost or failed connection.",
		},
	)

	// result: applied, duplicate, buffered, ignored, error
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatesync_inbound_events_total",
			Help: "Inbound realtime events by type and result.",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueEnqueued, QueueCoalesced, QueuePending,
		Submissions, DeadLetters,
		Drains, DrainDuration,
		RealtimeState, RealtimeReconnects,
		InboundEvents,
	)
}

// ObserveDrain records one finished drain pass.
func ObserveDrain(result string, started time.Time) {
	Drains.WithLabelValues(result).Inc()
	DrainDuration.Observe(time.Since(started).Seconds())
}
