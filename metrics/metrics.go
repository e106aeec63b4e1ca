// Package metrics defines the Prometheus instrumentation shared by the
// job runner, the extraction dispatcher, and the agent loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts finished jobs by name and outcome
	// (ok, retry, permanent, exhausted).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuflow_jobs_processed_total",
		Help: "Total jobs processed by job name and outcome.",
	}, []string{"job", "outcome"})

	// JobRetries counts retry attempts by job name.
	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuflow_job_retries_total",
		Help: "Total job retry attempts by job name.",
	}, []string{"job"})

	// JobDuration observes handler wall time by job name.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docuflow_job_duration_seconds",
		Help:    "Job handler duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"job"})

	// Extractions counts asset extractions by kind and outcome.
	Extractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuflow_extractions_total",
		Help: "Total asset extractions by kind and outcome.",
	}, []string{"kind", "outcome"})

	// AgentIterations observes iterations per agent loop run.
	AgentIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docuflow_agent_iterations",
		Help:    "Model round-trips per agent loop run.",
		Buckets: prometheus.LinearBuckets(1, 2, 12),
	})

	// BarrierBranches counts barrier branch completions by outcome
	// (ok, failed).
	BarrierBranches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docuflow_barrier_branches_total",
		Help: "Barrier branch completions by outcome.",
	}, []string{"outcome"})
)
