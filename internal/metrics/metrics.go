package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "historia"

var (
	ResearchStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "research_started_total",
			Help:      "Total number of research tasks started, labeled by owner kind.",
		},
		[]string{"owner"},
	)

	ResearchCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "research_completed_total",
			Help:      "Total number of research tasks first observed terminal, labeled by final status.",
		},
		[]string{"status"},
	)

	ResearchLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "research_latency_seconds",
			Help:      "Latency from task creation to first terminal observation (seconds).",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"status"},
	)

	StreamHandoffsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_handoffs_total",
			Help:      "Total number of relays that ran out of budget and handed off to polling.",
		},
	)

	StatusPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_polls_total",
			Help:      "Total number of status polls, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	QuotaDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denied_total",
			Help:      "Total number of research submissions denied by the daily quota, labeled by tier.",
		},
		[]string{"tier"},
	)

	ShareOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_operations_total",
			Help:      "Total number of share operations, labeled by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the token bucket, labeled by scope and operation.",
		},
		[]string{"scope", "operation"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook deliveries and receipts, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ResearchStartedTotal,
		ResearchCompletedTotal,
		ResearchLatencySeconds,
		StreamHandoffsTotal,
		StatusPollsTotal,
		QuotaDeniedTotal,
		ShareOperationsTotal,
		RateLimitHitsTotal,
		WebhookDeliveriesTotal,
	)
}
