package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Failure classifications used as the events_failed label
const (
	ClassPoison    = "poison"
	ClassTransient = "transient"
	ClassAck       = "ack"
)

var (
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolidation_events_processed_total",
			Help: "Transaction events applied to a daily consolidation",
		},
		[]string{"merchant"},
	)
	EventsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolidation_events_failed_total",
			Help: "Transaction events that failed processing, by classification",
		},
		[]string{"classification"},
	)
	EventsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consolidation_events_dead_lettered_total",
			Help: "Deliveries rejected without requeue and routed to the dead-letter queue",
		},
	)
	EventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consolidation_events_duplicate_total",
			Help: "Redelivered events whose transaction was already applied",
		},
	)
	TransactionsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transactions_recorded_total",
			Help: "Transactions persisted by the ingestion API",
		},
		[]string{"type"},
	)
	PublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transaction_publish_failures_total",
			Help: "Transaction events that could not be published to the broker",
		},
	)
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transaction_outbox_pending",
			Help: "Outbox rows still waiting for a successful publish after the last relay pass",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(EventsFailed)
	prometheus.MustRegister(EventsDeadLettered)
	prometheus.MustRegister(EventsDuplicate)
	prometheus.MustRegister(TransactionsRecorded)
	prometheus.MustRegister(PublishFailures)
	prometheus.MustRegister(OutboxPending)
}
