/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "actuator"

var (
	// ScheduleRequestsTotal counts schedule requests by type and result.
	ScheduleRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schedule_requests_total",
		Help:      "Schedule requests processed, by request type and result.",
	}, []string{"type", "result"})

	// PreemptionsTotal counts tasks reclaimed by higher-priority admissions.
	PreemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "preemptions_total",
		Help:      "LOW_PREEMPT tasks preempted.",
	})

	// TaskTransitionsTotal counts lifecycle transitions by target state.
	TaskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task lifecycle transitions, by target state.",
	}, []string{"state"})

	// TasksRegistered is the number of non-terminal tasks in the schedule.
	TasksRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_registered",
		Help:      "Non-terminal tasks currently in the schedule.",
	})

	// ActiveLocks is the number of devices with an active window.
	ActiveLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_locks",
		Help:      "Devices currently locked by an active window.",
	})

	// AnnouncementsTotal counts schedule announcements emitted.
	AnnouncementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "announcements_total",
		Help:      "Schedule announcements emitted.",
	})

	// AnnouncementsDroppedTotal counts queued announcements whose task lost the device before publish.
	AnnouncementsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "announcements_dropped_total",
		Help:      "Queued announcements dropped because the task no longer held the device.",
	})

	// SchedulerTicksTotal counts announcer ticks.
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_ticks_total",
		Help:      "Announcer loop iterations.",
	})

	// OutboxDepth is the number of notices waiting for the emitter.
	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_depth",
		Help:      "Notices queued for the event emitter.",
	})

	// PointOperationsTotal counts point operations by operation and result code.
	PointOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "point_operations_total",
		Help:      "Point get/set/revert operations, by operation and result.",
	}, []string{"operation", "result"})

	// BusMessagesTotal counts messages exchanged with a distributed bus.
	BusMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_total",
		Help:      "Messages sent to or received from the distributed bus.",
	}, []string{"backend", "direction"})

	// LedgerWritesTotal counts lifecycle ledger inserts by outcome.
	LedgerWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_writes_total",
		Help:      "Task ledger inserts, by outcome.",
	}, []string{"outcome"})

	// WebhookDeliveriesTotal counts lifecycle webhook deliveries by outcome.
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Lifecycle webhook deliveries, by outcome.",
	}, []string{"outcome"})

	// LeaderElectionStatus is 1 while the instance holds arbiter leadership.
	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader_election_status",
		Help:      "1 if this instance is the authoritative arbiter, else 0.",
	}, []string{"instance_id"})

	// LeaderElectionChanges counts leadership acquisitions and losses.
	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "leader_election_changes_total",
		Help:      "Leadership changes, by instance and direction.",
	}, []string{"instance_id", "change"})

	// DatabaseQueryDuration observes ledger query latency.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "database_query_duration_seconds",
		Help:      "Ledger database operation latency, by operation and table.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts failed ledger database operations.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "database_errors_total",
		Help:      "Failed ledger database operations, by operation and table.",
	}, []string{"operation", "table"})

	// DatabaseConnectionsOpen is the number of open ledger connections.
	DatabaseConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_connections_open",
		Help:      "Open ledger database connections.",
	})

	// APIRequestsTotal counts HTTP requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP requests, by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request latency, by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections is the number of in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_active_connections",
		Help:      "In-flight HTTP requests.",
	})
)

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
