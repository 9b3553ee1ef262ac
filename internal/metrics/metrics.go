package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileOutcomes counts finished reconciliation passes by provenance.
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptgate",
		Subsystem: "reconcile",
		Name:      "outcomes_total",
		Help:      "Finished reconciliation passes by provenance.",
	}, []string{"provenance"})

	// ReconcileAttempts tracks how many attempts each pass needed.
	ReconcileAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "promptgate",
		Subsystem: "reconcile",
		Name:      "attempts",
		Help:      "Attempts used per reconciliation pass.",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	})

	// ReconcileCoalesced counts refresh requests absorbed by an in-flight pass.
	ReconcileCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "promptgate",
		Subsystem: "reconcile",
		Name:      "coalesced_total",
		Help:      "Refresh requests that joined an in-flight pass.",
	})

	// GateDecisions counts metered-action checks by result.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptgate",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Metered-action checks by result.",
	}, []string{"result"})

	// MeteringOutcomes counts usage increments by outcome.
	MeteringOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptgate",
		Subsystem: "metering",
		Name:      "outcomes_total",
		Help:      "Usage increments by outcome.",
	}, []string{"outcome"})

	// WebhookEvents counts Stripe webhook deliveries by event type and result.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptgate",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Stripe webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})

	// HTTPRequests counts API requests by route pattern and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "promptgate",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration tracks API latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "promptgate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// ObserveHTTP records one finished request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
