package loop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ace",
		Subsystem: "loop",
		Name:      "runs_total",
		Help:      "Completed runs by terminal outcome.",
	}, []string{"outcome"})

	phaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ace",
		Subsystem: "loop",
		Name:      "phase_transitions_total",
		Help:      "Phase transitions by source and destination phase.",
	}, []string{"from", "to"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ace",
		Subsystem: "loop",
		Name:      "retries_total",
		Help:      "Build phase retries across all runs.",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ace",
		Subsystem: "loop",
		Name:      "run_duration_seconds",
		Help:      "End-to-end run duration.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)
