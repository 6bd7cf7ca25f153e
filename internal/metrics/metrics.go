// Package metrics registers the turn engine's Prometheus instruments on a
// dedicated registry exposed via /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	turnsStarted = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fable_turns_started_total",
			Help: "Total number of turn executions started.",
		},
	)
	turnsCommitted = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fable_turns_committed_total",
			Help: "Total number of turns committed.",
		},
	)
	turnsFailed = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fable_turns_failed_total",
			Help: "Total number of turns terminally failed, partitioned by failure kind.",
		},
		[]string{"kind"},
	)
	turnReplays = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fable_turn_replays_total",
			Help: "Total number of idempotent replays served for duplicate user action IDs.",
		},
	)
	turnRestarts = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fable_turn_restarts_total",
			Help: "Total number of turn restarts caused by optimistic concurrency conflicts.",
		},
	)
	stepDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fable_step_duration_seconds",
			Help:    "Latency of model-backed turn steps.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"step"},
	)
	diceFallbacks = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fable_dice_stat_fallbacks_total",
			Help: "Total number of dice modifiers resolved to zero for unknown stats.",
		},
	)
)

// Handler serves the registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncTurnsStarted()           { turnsStarted.Inc() }
func IncTurnsCommitted()         { turnsCommitted.Inc() }
func IncTurnsFailed(kind string) { turnsFailed.WithLabelValues(kind).Inc() }
func IncTurnReplays()            { turnReplays.Inc() }
func IncTurnRestarts()           { turnRestarts.Inc() }
func AddDiceFallbacks(n int) {
	if n > 0 {
		diceFallbacks.Add(float64(n))
	}
}

// ObserveStepDuration records one step latency in seconds.
func ObserveStepDuration(step string, seconds float64) {
	stepDuration.WithLabelValues(step).Observe(seconds)
}
