package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync metrics
var (
	// Completed passes by mode and outcome
	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlas",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Total reconciliation passes",
		},
		[]string{"mode", "outcome"},
	)

	// Rows written to the local cache
	SyncRowsMergedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlas",
			Subsystem: "sync",
			Name:      "rows_merged_total",
			Help:      "Total remote rows merged into the local cache",
		},
		[]string{"kind"},
	)

	SyncPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atlas",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Reconciliation pass duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	// Quota gate decisions
	QuotaDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlas",
			Subsystem: "quota",
			Name:      "decisions_total",
			Help:      "Total quota gate decisions",
		},
		[]string{"tier", "allowed", "reason"},
	)

	// Live change notifications
	LiveNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlas",
			Subsystem: "live",
			Name:      "notifications_total",
			Help:      "Total live notifications by outcome",
		},
		[]string{"outcome"},
	)

	// Outbox operations applied to the remote store
	OutboxOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlas",
			Subsystem: "outbox",
			Name:      "ops_total",
			Help:      "Total outbox operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Local RPCs served over the profile socket
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlas",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total local RPCs by method and status code",
		},
		[]string{"method", "code"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSyncPass records a finished reconciliation pass
func RecordSyncPass(mode, outcome string, durationSec float64) {
	SyncPassesTotal.WithLabelValues(mode, outcome).Inc()
	SyncPassDuration.WithLabelValues(mode).Observe(durationSec)
}

// RecordMerged records rows written by a merge
func RecordMerged(kind string, n int) {
	if n > 0 {
		SyncRowsMergedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordQuotaDecision records a gate decision
func RecordQuotaDecision(tier string, allowed bool, reason string) {
	a := "false"
	if allowed {
		a = "true"
	}
	QuotaDecisionsTotal.WithLabelValues(tier, a, reason).Inc()
}

// RecordLiveNotification records what happened to a live notification
func RecordLiveNotification(outcome string) {
	LiveNotificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordOutboxOp records an outbox operation result
func RecordOutboxOp(kind, outcome string) {
	OutboxOpsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordRPC records a served RPC
func RecordRPC(method, code string) {
	RPCRequestsTotal.WithLabelValues(method, code).Inc()
}
