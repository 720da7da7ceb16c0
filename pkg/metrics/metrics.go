package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions tracks every evaluation outcome produced by the matchers
	// direction: outbound/inbound; outcome: allow, block, shadow, accept, reject
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_decisions_total",
		Help: "Total policy decisions produced by the sync engine",
	}, []string{"direction", "outcome"})

	// Deliveries tracks the result of each delivery attempt by the dispatcher
	// result: sent, duplicate, failed_retryable, failed_terminal, blocked
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_deliveries_total",
		Help: "Total delivery attempts resolved by the dispatcher",
	}, []string{"result"})

	// DeliveryDuration measures claim-to-resolve latency per row
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_delivery_duration_seconds",
		Help:    "Time from claiming a queue row to resolving it",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// QueueBacklog is the number of rows currently eligible for claiming
	// This is the primary indicator of sync lag
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_queue_backlog",
		Help: "Queue rows currently claimable (pending plus reclaimable failed)",
	})

	// QueueRows exports the stats projection: per-rule row counts by status
	// trigger_id is "none" for the default-path bucket
	QueueRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_queue_rows",
		Help: "Queue rows grouped by integration, matched rule and status",
	}, []string{"integration_id", "trigger_id", "status"})

	// StaleResets counts processing rows rescued by the janitor
	// Frequent increments mean workers are dying mid-delivery
	StaleResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_stale_resets_total",
		Help: "Queue rows reset from processing back to pending by the janitor",
	})

	// HealthStatus provides a binary 0/1 signal for the process health
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_healthy",
		Help: "Current health of the process (1 for healthy, 0 for unhealthy)",
	})
)
