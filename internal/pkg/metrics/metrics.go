package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foxchat",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "foxchat",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ResolutionsTotal counts status resolutions by source and outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foxchat",
		Subsystem: "billing",
		Name:      "resolutions_total",
		Help:      "Subscription status resolutions by source (cache/live) and active flag.",
	}, []string{"source", "active"})

	// ResolveDuration tracks end-to-end resolver latency.
	ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "foxchat",
		Subsystem: "billing",
		Name:      "resolve_duration_seconds",
		Help:      "Subscription status resolution duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// SyncRunsTotal counts reconciliation runs by winning strategy and result.
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foxchat",
		Subsystem: "billing",
		Name:      "sync_runs_total",
		Help:      "Reconciliation sync runs by strategy and result.",
	}, []string{"strategy", "result"})

	// SyncThrottledTotal counts implicit syncs skipped by the per-user throttle.
	SyncThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "foxchat",
		Subsystem: "billing",
		Name:      "sync_throttled_total",
		Help:      "Implicit reconciliation syncs skipped by the per-user throttle.",
	})
)
