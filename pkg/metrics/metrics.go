// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline collectors registered on one registry.
type Metrics struct {
	Registry *prometheus.Registry

	TasksStarted   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter

	PhaseDuration  *prometheus.HistogramVec
	TokensConsumed *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	CheckFailures  *prometheus.CounterVec

	ActiveTasks prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "forge_tasks_started_total",
			Help: "Tasks accepted into the pipeline.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "forge_tasks_completed_total",
			Help: "Tasks that reached the complete status.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "forge_tasks_failed_total",
			Help: "Tasks that reached the failed status.",
		}),

		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_phase_duration_seconds",
			Help:    "Wall-clock duration per pipeline phase.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		TokensConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_tokens_consumed_total",
			Help: "Tokens consumed from the budget, by category.",
		}, []string{"category"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_retries_total",
			Help: "Retries scheduled by the error handler, by error class.",
		}, []string{"class"}),
		CheckFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_gate_check_failures_total",
			Help: "Release gate check failures, by check name.",
		}, []string{"check"}),

		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forge_active_tasks",
			Help: "Tasks currently in a non-terminal status.",
		}),
	}
}
