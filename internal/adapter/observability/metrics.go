// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for distributed tracing and exposes
// Prometheus collectors for the queue, runner, scheduler, and budget paths.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QueueDepth gauges waiting groups per priority class.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "group_queue_depth",
			Help: "Number of groups waiting for a run slot",
		},
		[]string{"priority"},
	)
	// QueueItemsTotal counts admitted work items by lane.
	QueueItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_queue_items_total",
			Help: "Total work items admitted to the group queue",
		},
		[]string{"lane"},
	)
	// QueueRejectedTotal counts ingress rejections at capacity.
	QueueRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "group_queue_rejected_total",
			Help: "Total enqueue attempts rejected because the queue was full",
		},
	)
	// QueueRetriesTotal counts process-cycle retries across all groups.
	QueueRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "group_queue_retries_total",
			Help: "Total retry cycles scheduled by the group queue",
		},
	)
	// ActiveRuns gauges currently running containers.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "container_active_runs",
			Help: "Number of currently active container runs",
		},
	)
	// ContainerSpawnsTotal counts spawn attempts by outcome.
	ContainerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "container_spawns_total",
			Help: "Total container spawn attempts",
		},
		[]string{"outcome"},
	)
	// PoolAcquiresTotal counts pool acquisitions by outcome (hit, miss).
	PoolAcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "container_pool_acquires_total",
			Help: "Total warm-pool acquisition attempts",
		},
		[]string{"outcome"},
	)
	// ReceiptTransitionsTotal counts receipt state transitions.
	ReceiptTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_transitions_total",
			Help: "Total receipt status transitions",
		},
		[]string{"status"},
	)
	// DeadLettersTotal counts dead-lettered traces by reason.
	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Total messages moved to the dead letter store",
		},
		[]string{"reason"},
	)
	// BudgetActionsTotal counts governor verdicts.
	BudgetActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_actions_total",
			Help: "Total budget governor verdicts",
		},
		[]string{"action"},
	)
	// SchedulerClaimsTotal counts task claim attempts by outcome (won, lost).
	SchedulerClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_claims_total",
			Help: "Total scheduler task claim attempts",
		},
		[]string{"outcome"},
	)
	// HeartbeatRunsTotal counts heartbeat job executions by status.
	HeartbeatRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_runs_total",
			Help: "Total heartbeat job executions",
		},
		[]string{"status"},
	)
	// IPCCommandsTotal counts authenticated IPC commands by type and outcome.
	IPCCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipc_commands_total",
			Help: "Total IPC commands processed",
		},
		[]string{"type", "outcome"},
	)
	// OracleRequestDuration records knowledge-service call durations.
	OracleRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oracle_request_duration_seconds",
			Help:    "Oracle request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		QueueDepth,
		QueueItemsTotal,
		QueueRejectedTotal,
		QueueRetriesTotal,
		ActiveRuns,
		ContainerSpawnsTotal,
		PoolAcquiresTotal,
		ReceiptTransitionsTotal,
		DeadLettersTotal,
		BudgetActionsTotal,
		SchedulerClaimsTotal,
		HeartbeatRunsTotal,
		IPCCommandsTotal,
		OracleRequestDuration,
	)
}
