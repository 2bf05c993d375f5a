package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "karmic"

// ─── Reconciliation Metrics ─────────────────────────────────────────────────

// CyclesTotal counts reconciliation cycles by outcome.
var CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "cycles_total",
	Help:      "Total reconciliation cycles by outcome (pending, idle, applied, failed).",
}, []string{"outcome"})

// CycleDuration tracks wall time per reconciliation cycle.
var CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "cycle_duration_seconds",
	Help:      "Wall time of a reconciliation cycle.",
	Buckets:   prometheus.DefBuckets,
})

// AccountsReconciled counts per-account reconciliations by path.
var AccountsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "accounts_total",
	Help:      "Accounts reconciled by path (batched, catch_up, skipped).",
}, []string{"path"})

// BatchFailures counts batches that failed to commit.
var BatchFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "batch_failures_total",
	Help:      "Total reconciliation batches that failed to commit.",
})

// CatchUpFailures counts failed single-account catch-ups.
var CatchUpFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "catch_up_failures_total",
	Help:      "Total single-account catch-up failures.",
})

// GlobalMarker exposes the global reconciliation marker (unix ms).
var GlobalMarker = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "global_marker_ms",
	Help:      "Last committed global reconciliation marker in unix milliseconds.",
})

// ─── Transfer Metrics ───────────────────────────────────────────────────────

// TransfersTotal counts transfer attempts by outcome.
var TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "transfer",
	Name:      "total",
	Help:      "Total transfers by outcome (ok, rejected, conflict, error).",
}, []string{"outcome"})

// TransferAmount tracks the size of successful transfers.
var TransferAmount = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "transfer",
	Name:      "amount",
	Help:      "Amount moved per successful transfer.",
	Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
})

// TransferRetries counts optimistic-concurrency retries.
var TransferRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "transfer",
	Name:      "retries_total",
	Help:      "Total transfer attempts retried after a conflicting update.",
})

// AuditFailures counts transfers whose audit record could not be written.
var AuditFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "transfer",
	Name:      "audit_failures_total",
	Help:      "Total committed transfers whose audit record failed to append.",
})

// ─── Notification Metrics ───────────────────────────────────────────────────

// Subscribers tracks connected live-balance subscribers.
var Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "subscribers",
	Help:      "Connected live balance subscribers.",
})

// Broadcasts counts broadcast sends by kind.
var Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "broadcasts_total",
	Help:      "Total broadcasts by kind (publish, repeat).",
}, []string{"kind"})

// DroppedMessages counts messages dropped for slow subscribers.
var DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "dropped_total",
	Help:      "Messages dropped because a subscriber buffer was full.",
})

// ─── Error Log Metrics ──────────────────────────────────────────────────────

// ErrorsReported counts errors passed to the error reporter by sink result.
var ErrorsReported = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "errlog",
	Name:      "reported_total",
	Help:      "Errors reported, by sink (store, webhook) and result (ok, failed).",
}, []string{"sink", "result"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
