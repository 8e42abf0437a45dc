// Package metrics registers the Prometheus metrics used by the gateway.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchesTotal counts adapter dispatches labelled by provider, task,
	// and outcome ("success", "rate_limit", "auth_error", "other").
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imggw_dispatches_total",
			Help: "Total adapter dispatches by provider, task, and outcome.",
		},
		[]string{"provider", "task", "status"},
	)

	// DispatchDuration observes per-dispatch upstream latency in seconds.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imggw_dispatch_duration_seconds",
			Help:    "Upstream dispatch duration in seconds.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "task"},
	)

	// KeyPoolActive tracks the number of selectable credentials per provider.
	KeyPoolActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imggw_key_pool_active",
			Help: "Selectable credentials per provider pool.",
		},
		[]string{"provider"},
	)

	// ArtifactSaves counts artifact store writes by outcome ("ok", "error").
	ArtifactSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imggw_artifact_saves_total",
			Help: "Artifact store writes by outcome.",
		},
		[]string{"status"},
	)

	// OptimizerCalls counts prompt-optimizer invocations by operation
	// ("translate", "expand") and outcome ("ok", "fallback").
	OptimizerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imggw_optimizer_calls_total",
			Help: "Prompt optimizer invocations by operation and outcome.",
		},
		[]string{"operation", "status"},
	)
)
