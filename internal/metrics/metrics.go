// Package metrics exposes Prometheus instrumentation for the entitlement
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntitlementChecksTotal counts reconciliation calls by result
	// (subscribed / not_subscribed / degraded).
	EntitlementChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maaun",
		Subsystem: "entitlement",
		Name:      "checks_total",
		Help:      "Entitlement checks by result.",
	}, []string{"result"})

	// EntitlementCheckDuration observes reconciliation latency.
	EntitlementCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "maaun",
		Subsystem: "entitlement",
		Name:      "check_duration_seconds",
		Help:      "Entitlement check latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// WebhookEventsTotal counts processor webhook deliveries by event type
	// and HTTP status.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maaun",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Stripe webhook deliveries by type and status.",
	}, []string{"type", "status"})

	// LinkAttemptsTotal counts device-link attempts by outcome
	// (linked / no_customer / no_subscription / already_linked / error).
	LinkAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maaun",
		Subsystem: "linking",
		Name:      "attempts_total",
		Help:      "Device link attempts by outcome.",
	}, []string{"outcome"})

	// CheckoutSessionsTotal counts checkout session creations by outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maaun",
		Subsystem: "checkout",
		Name:      "sessions_total",
		Help:      "Checkout session creations by outcome.",
	}, []string{"outcome"})
)
