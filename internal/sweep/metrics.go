// Package sweep implements the due-cycle processor: the batch pass that
// materializes and captures every currently-eligible agreement. This file
// exposes Prometheus instrumentation for sweep activity.
package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// sweepsTotal counts completed sweep runs.
	sweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "donation_sweeps_total",
			Help: "Total number of completed sweep runs.",
		},
	)

	// sweepDuration records how long each sweep run takes.
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "donation_sweep_duration_seconds",
			Help:    "Duration of sweep runs in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// capturesTotal counts per-agreement sweep outcomes.
	capturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_captures_total",
			Help: "Capture attempts by outcome.",
		},
		[]string{"outcome"}, // captured | declined | unknown
	)

	// versionConflictsTotal counts conditional writes lost to another writer.
	versionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "donation_version_conflicts_total",
			Help: "Sweep mutations aborted by an optimistic-concurrency conflict.",
		},
	)
)

func init() {
	prometheus.MustRegister(sweepsTotal, sweepDuration, capturesTotal, versionConflictsTotal)
}
