// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TasksStarted      prometheus.Counter
	TasksCompleted    *prometheus.CounterVec
	SessionsCompleted *prometheus.CounterVec
	SpendUSD          prometheus.Counter
	RateLimitRejects  *prometheus.CounterVec
	BudgetPauses      prometheus.Counter
	UpstreamLatency   prometheus.Histogram
	ActiveStreams     prometheus.Gauge
	EventsAppended    prometheus.Counter
	IngestedSessions  prometheus.Counter
}

// New registers all instruments on the given registerer. Pass
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_tasks_started_total",
			Help: "Tasks accepted for execution.",
		}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tasks_completed_total",
			Help: "Tasks finished, by terminal status.",
		}, []string{"status"}),
		SessionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_sessions_completed_total",
			Help: "Agent sessions finished, by terminal status.",
		}, []string{"status"}),
		SpendUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_spend_usd_total",
			Help: "Total model spend attributed to completed sessions.",
		}),
		RateLimitRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_rate_limit_rejects_total",
			Help: "Requests rejected by a rate limit, by surface.",
		}, []string{"surface"}),
		BudgetPauses: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_budget_pauses_total",
			Help: "Agents auto-paused on budget breach.",
		}),
		UpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_upstream_latency_seconds",
			Help:    "Upstream chat completion latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_streams",
			Help: "Live event streams currently open.",
		}),
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_events_appended_total",
			Help: "Trace events written to the store.",
		}),
		IngestedSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_ingested_sessions_total",
			Help: "Sessions recorded through the external ingestion path.",
		}),
	}
}
