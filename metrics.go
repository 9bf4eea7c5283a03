package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subzz_http_requests_total",
			Help: "Total number of HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subzz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	proxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subzz_proxy_requests_total",
			Help: "Total number of proxied requests by outcome",
		},
		[]string{"outcome"},
	)

	trackingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subzz_tracking_events_total",
			Help: "Total number of tracking events by event type",
		},
		[]string{"event_type"},
	)

	trackingEntriesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subzz_tracking_entries",
			Help: "Current number of tracked payment attempts",
		},
	)

	trackingEntriesSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subzz_tracking_entries_swept_total",
			Help: "Total number of expired tracking entries removed",
		},
	)

	checkoutInitiations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subzz_checkout_initiations_total",
			Help: "Total number of checkout initiations by outcome",
		},
		[]string{"outcome"},
	)

	paymentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subzz_payment_outcomes_total",
			Help: "Total number of subscribe calls by decoded payment outcome",
		},
		[]string{"outcome"},
	)

	subscriptionsProvisioned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subzz_subscriptions_provisioned_total",
			Help: "Total number of provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	rateLimitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subzz_rate_limit_rejected_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
		[]string{"endpoint"},
	)

	panicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subzz_panics_recovered_total",
			Help: "Total number of panics recovered by the server",
		},
	)

	healthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subzz_health_checks_total",
			Help: "Total number of health/readiness checks by status",
		},
		[]string{"type", "status"},
	)

	dependencyStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subzz_dependency_status",
			Help: "Status of dependencies (1=up, 0.5=degraded, 0=down)",
		},
		[]string{"dependency"},
	)
)

// knownTrackingEvents bounds the event_type label; anything else is counted as "other".
var knownTrackingEvents = map[string]bool{
	"form_submitted": true,
	"chapa_redirect": true,
	"payment_status": true,
	"chapa_callback": true,
	"error":          true,
}

func trackingEventLabel(eventType string) string {
	if knownTrackingEvents[eventType] {
		return eventType
	}
	return "other"
}
