// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Steps executed partitioned by step kind
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_steps_executed_total",
			Help: "Steps executed by the state machine",
		},
		[]string{"kind"},
	)

	// Dispatch attempts partitioned by outcome (success, http_error, timeout, error)
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_dispatch_attempts_total",
			Help: "Outbound HTTP action attempts",
		},
		[]string{"outcome"},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatflow_dispatch_duration_seconds",
			Help:    "Latency of a single outbound HTTP action attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Delivery outcomes partitioned by status (sent, failed, restricted, fallback)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_deliveries_total",
			Help: "Outbound message delivery outcomes",
		},
		[]string{"status"},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatflow_sessions_expired_total",
			Help: "Sessions moved to EXPIRED by the idle sweep",
		},
	)

	// Inbound events partitioned by route (continue, keyword, revived, created, menu, status, reset)
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_inbound_events_total",
			Help: "Inbound chat events by routing decision",
		},
		[]string{"route"},
	)

	// Background job runs partitioned by task type and result
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatflow_job_runs_total",
			Help: "Background task executions",
		},
		[]string{"task", "result"},
	)
)
