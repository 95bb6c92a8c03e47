// Package metrics declares this daemon's Prometheus collectors, one block
// per component (C1-C9), and a single MustRegisterAll entry point.
//
// Grounded on observe/prometheus/register.go's sync.Once-guarded
// MustRegister call and its per-subsystem collector grouping; collector
// names and types follow the same promauto.NewCounter/NewGauge/
// NewHistogram idiom used throughout that package.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "velidesync"

var (
	// Tracking Store (C1)
	TrackingActiveRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "tracking", Name: "active_records",
		Help: "Number of non-terminal records currently held in the tracking store cache.",
	})
	TrackingHydrateSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "tracking", Name: "hydrate_seconds",
		Help: "Time spent loading persisted records into the in-memory cache at startup.",
	})

	// Ingest/status connector (C2)
	ConnectorIngestCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "connector", Name: "ingest_cycle_seconds",
		Help: "Duration of one ingest poll-then-fetch-details cycle.",
	})
	ConnectorIngestOrdersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "connector", Name: "ingest_orders_total",
		Help: "Orders successfully normalized and emitted by the ingest loop.",
	})
	ConnectorStatusPollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "connector", Name: "status_poll_errors_total",
		Help: "Failed ERP status-poll cycles.",
	})
	ConnectorCursorRollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "connector", Name: "cursor_rollbacks_total",
		Help: "Ingest cycles that exhausted detail-fetch retries and rolled the cursor back.",
	})

	// Cloud client (C3)
	CloudRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "cloud", Name: "request_seconds",
		Help: "Cloud GraphQL call latency by operation.",
	}, []string{"operation"})
	CloudRequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cloud", Name: "request_errors_total",
		Help: "Cloud GraphQL call failures by operation and error kind.",
	}, []string{"operation", "kind"})

	// Dispatcher (C4)
	DispatcherQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "dispatcher", Name: "queue_depth",
		Help: "Current number of tasks waiting in the dispatcher queue.",
	})
	DispatcherTaskResultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatcher", Name: "task_result_total",
		Help: "Completed dispatcher tasks by outcome.",
	}, []string{"kind", "result"})
	DispatcherReconciliationHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatcher", Name: "reconciliation_hits_total",
		Help: "Retry-time reconciliations that found a matching delivery and avoided a duplicate ADD.",
	})

	// Reconciler (C5)
	ReconcilerCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reconciler", Name: "corrections_total",
		Help: "Local status corrections applied by the periodic reconciler.",
	})
	ReconcilerCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "reconciler", Name: "cycle_seconds",
		Help: "Duration of one reconciliation cycle.",
	})

	// Push channel (C6)
	PushChannelState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pushchannel", Name: "state",
		Help: "Current connection state (0=offline, 1=connecting, 2=online).",
	})
	PushChannelReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pushchannel", Name: "reconnects_total",
		Help: "Reconnect attempts after a dropped push-channel connection.",
	})
	PushChannelActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pushchannel", Name: "actions_total",
		Help: "Actions received over the push channel by action type.",
	}, []string{"action_type"})

	// Orchestrator (C7)
	OrchestratorHealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "orchestrator", Name: "health_status",
		Help: "1 once startup completes and all loops are running, 0 otherwise.",
	})
	OrchestratorLoggedOut = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "orchestrator", Name: "logged_out",
		Help: "1 if the token provider has transitioned to a logged-out state.",
	})

	// Auth/token provider (C8)
	AuthRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "auth", Name: "refresh_total",
		Help: "Token refresh attempts by outcome.",
	}, []string{"result"})

	// Driver mapping (C9)
	DriverMappingPairedTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "drivermap", Name: "paired_total",
		Help: "Current number of persisted local/remote driver pairings.",
	})
)

var regOnce sync.Once

// MustRegisterAll registers every collector exactly once, mirroring
// observe/prometheus/register.go's sync.Once-guarded MustRegister call.
func MustRegisterAll() {
	regOnce.Do(func() {
		mustRegisterAll()
	})
}

func mustRegisterAll() {
	prometheus.MustRegister(
		TrackingActiveRecords,
		TrackingHydrateSeconds,

		ConnectorIngestCycleSeconds,
		ConnectorIngestOrdersTotal,
		ConnectorStatusPollErrorsTotal,
		ConnectorCursorRollbacksTotal,

		CloudRequestSeconds,
		CloudRequestErrorsTotal,

		DispatcherQueueDepth,
		DispatcherTaskResultTotal,
		DispatcherReconciliationHitsTotal,

		ReconcilerCorrectionsTotal,
		ReconcilerCycleSeconds,

		PushChannelState,
		PushChannelReconnectsTotal,
		PushChannelActionsTotal,

		OrchestratorHealthStatus,
		OrchestratorLoggedOut,

		AuthRefreshTotal,

		DriverMappingPairedTotal,
	)
}
