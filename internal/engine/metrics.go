package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_sessions_active",
			Help: "Number of live runs currently attached to a client.",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_sessions_total",
			Help: "Total number of live runs, by the outcome that ended them.",
		},
		[]string{"outcome"},
	)

	compileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_compile_seconds",
			Help:    "Duration of compiler invocations, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	compileFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_compile_failures_total",
			Help: "Total number of submissions rejected by the compiler.",
		},
		[]string{"language"},
	)

	cleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_cleanup_seconds",
			Help:    "Duration of live-run cleanup, from TERMINATING to CLEANED, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workspacesSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_workspaces_swept_total",
			Help: "Total number of orphaned workspaces removed by the sweeper.",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(sessionsTotal)
	prometheus.MustRegister(compileDuration)
	prometheus.MustRegister(compileFailures)
	prometheus.MustRegister(cleanupDuration)
	prometheus.MustRegister(workspacesSwept)

	// Pre-initialize outcome labels so they appear in /metrics with value 0
	// from startup, rather than only after first observation.
	for _, o := range model.Outcomes {
		sessionsTotal.WithLabelValues(string(o))
	}
}
