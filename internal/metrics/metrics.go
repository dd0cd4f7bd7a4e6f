// Package metrics exposes Prometheus collectors for the swap engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	quotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapdesk_quotes_total",
			Help: "Quote requests labeled by intent and outcome",
		},
		[]string{"intent", "outcome"},
	)
	approvalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapdesk_approval_transitions_total",
			Help: "Approval state machine transitions",
		},
		[]string{"from", "to"},
	)
	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapdesk_settlements_total",
			Help: "Settlement attempts labeled by routing and outcome",
		},
		[]string{"routing", "outcome"},
	)
	orderTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapdesk_order_transitions_total",
			Help: "Delegated order status changes",
		},
		[]string{"from", "to"},
	)
	pendingTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapdesk_pending_transactions",
			Help: "Transactions awaiting inclusion",
		},
	)
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapdesk_active_sessions",
			Help: "Open swap sessions",
		},
	)
	httpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swapdesk_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// RecordQuote counts one quote request outcome.
func RecordQuote(intent, outcome string) {
	quotesTotal.WithLabelValues(label(intent), label(outcome)).Inc()
}

// RecordApprovalTransition tracks approval FSM transitions.
func RecordApprovalTransition(from, to string) {
	approvalTransitionsTotal.WithLabelValues(label(from), label(to)).Inc()
}

// RecordSettlement counts one settlement attempt.
func RecordSettlement(routing, outcome string) {
	settlementsTotal.WithLabelValues(label(routing), label(outcome)).Inc()
}

// RecordOrderTransition tracks delegated order status changes.
func RecordOrderTransition(from, to string) {
	orderTransitionsTotal.WithLabelValues(label(from), label(to)).Inc()
}

// SetPendingTransactions updates the pending transaction gauge.
func SetPendingTransactions(n int) {
	pendingTransactions.Set(float64(n))
}

// SetActiveSessions updates the open session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// ObserveHTTP records the latency of one API request.
func ObserveHTTP(method string, status int, d time.Duration) {
	httpDurationSeconds.WithLabelValues(method, statusClass(status)).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
