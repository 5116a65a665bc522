package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "budgetguard"

var (
	// MessagesReceived counts inbound notifications per transport.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "messages_total",
			Help:      "Budget notifications received",
		},
		[]string{"transport"},
	)

	// Outcomes counts terminal outcomes of handled notifications.
	Outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "outcomes_total",
			Help:      "Terminal outcomes of handled notifications",
		},
		[]string{"outcome", "reason", "ack"},
	)

	// HandleDuration observes end-to-end handling time.
	HandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one notification",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 180},
		},
		[]string{"outcome"},
	)

	// DedupDecisions counts TryBeginDisable decisions.
	DedupDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "decisions_total",
			Help:      "Dedup store decisions",
		},
		[]string{"decision"},
	)

	// ExecutorAttempts counts disable attempts by result.
	ExecutorAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Disable attempts against the control plane",
		},
		[]string{"plane", "result"},
	)

	// PlaneCallDuration observes individual control-plane calls.
	PlaneCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "plane_call_duration_seconds",
			Help:      "Control plane call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"plane", "op", "result"},
	)

	// BreakerState exposes the circuit breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per control plane",
		},
		[]string{"plane"},
	)

	// Records reports disable records per status as seen by the last sweep.
	Records = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "records",
			Help:      "Disable records by status",
		},
		[]string{"status"},
	)

	// StalePending reports pending records older than the takeover threshold.
	StalePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "stale_pending_records",
			Help:      "Pending records eligible for takeover",
		},
	)

	// Reconciled counts stale pending records committed because the provider already
	// reports the account disabled.
	Reconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "reconciled_records_total",
			Help:      "Stale pending records committed after a provider-side check",
		},
	)

	// AuditPurged counts audit records removed by retention.
	AuditPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "purged_total",
			Help:      "Audit records deleted by retention",
		},
	)

	// AuditErrors counts failed audit emissions per sink.
	AuditErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "emit_errors_total",
			Help:      "Audit emissions that failed",
		},
		[]string{"sink"},
	)
)
