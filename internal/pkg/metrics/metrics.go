package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "accessgate"

var (
	// WebhookRequestsTotal counts webhook deliveries by provider and outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total webhook requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	// WebhookDuration tracks ingestion latency per provider.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook ingestion duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// JobsTotal counts processed access jobs by queue and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Access jobs by queue and outcome (completed, retried, dead_lettered).",
	}, []string{"queue", "outcome"})

	// JobDuration tracks the processor call latency per queue.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Access job processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"})

	// QueueDepth tracks queue sizes by queue and state.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Number of jobs per queue and state (pending, processing, delayed, dead).",
	}, []string{"queue", "state"})

	// SubscriptionTransitions counts reconciler status changes.
	SubscriptionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "access",
		Name:      "subscription_transitions_total",
		Help:      "Subscription status transitions by source and target status.",
	}, []string{"from", "to"})

	// SweepsTotal counts sweeper runs and the subscriptions they changed.
	SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "access",
		Name:      "sweep_changes_total",
		Help:      "Subscriptions changed by the periodic sweepers.",
	}, []string{"sweep"})
)

// ObserveWebhook records one webhook delivery.
func ObserveWebhook(provider, outcome string, started time.Time) {
	WebhookRequestsTotal.WithLabelValues(provider, outcome).Inc()
	WebhookDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}

// ObserveJob records one processed job attempt.
func ObserveJob(queue, outcome string, took time.Duration) {
	JobsTotal.WithLabelValues(queue, outcome).Inc()
	JobDuration.WithLabelValues(queue).Observe(took.Seconds())
}

// SetQueueDepth updates the depth gauge of one queue state.
func SetQueueDepth(queue, state string, n int64) {
	QueueDepth.WithLabelValues(queue, state).Set(float64(n))
}
