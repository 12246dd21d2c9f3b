// Package metrics exposes the pipeline's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DispatchTotal counts send attempts by kind (invitation, message), mode
	// (manual, automatic) and result (success, failure).
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_dispatch_total",
			Help: "External send attempts",
		},
		[]string{"kind", "mode", "result"},
	)

	// DispatchSkipped counts ticks that did not send, by reason.
	DispatchSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_dispatch_skipped_total",
			Help: "Dispatch ticks that ended without a send",
		},
		[]string{"reason"},
	)

	// DecisionsTotal counts applied classifier decisions by outcome.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_decisions_total",
			Help: "Reply decisions applied to enrollments",
		},
		[]string{"outcome", "forced"},
	)

	// TransitionsTotal counts phase changes.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_phase_transitions_total",
			Help: "Enrollment phase transitions",
		},
		[]string{"from", "to"},
	)

	// QuotaRemaining is the last observed remaining daily quota per account.
	QuotaRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outreach_quota_remaining",
			Help: "Sends left today",
		},
		[]string{"account"},
	)

	// TickDuration times scheduler jobs.
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_tick_duration_seconds",
			Help:    "Scheduler job latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Bool renders a label value.
func Bool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
