// Package metrics exposes Prometheus metrics for every subsystem of the
// pump, using promauto with consistent Namespace/Subsystem/Name/Help
// conventions across poller/manager/fifo/backoff.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "awsmessaging"

var (
	// Poller metrics.
	PollerReceiveCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "receive_calls_total",
		Help:      "Number of Receive calls issued, by outcome.",
	}, []string{"subscription", "outcome"})

	PollerMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "messages_received_total",
		Help:      "Number of raw SQS messages received.",
	}, []string{"subscription"})

	PollerAvailableSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "available_slots",
		Help:      "Admission-control slots available (max-concurrent minus in-flight).",
	}, []string{"subscription"})

	PollerBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "backoff_seconds",
		Help:      "Backoff duration slept between Receive attempts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"subscription"})

	// Manager metrics.
	ManagerInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "in_flight",
		Help:      "Number of in-flight records currently tracked.",
	}, []string{"subscription"})

	ManagerMessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "messages_processed_total",
		Help:      "Number of messages finalized, by result (deleted/released).",
	}, []string{"subscription", "result"})

	ManagerHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "handler_duration_seconds",
		Help:      "Duration of handler invocations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"subscription", "message_type"})

	ManagerVisibilityExtensions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "visibility_extensions_total",
		Help:      "ChangeVisibilityBatch entries processed, by outcome.",
	}, []string{"subscription", "outcome"})

	// FIFO metrics.
	FIFOGroupsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fifo",
		Name:      "groups_in_flight",
		Help:      "Number of FIFO message groups currently being processed.",
	}, []string{"subscription"})

	FIFOSkippedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fifo",
		Name:      "skipped_messages_total",
		Help:      "Messages skipped after a failure earlier in their group (§4.5 skip-on-failure).",
	}, []string{"subscription"})

	// Backoff metrics.
	BackoffConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backoff",
		Name:      "consecutive_failures",
		Help:      "Current consecutive-failure count feeding the backoff policy.",
	}, []string{"subscription"})
)
