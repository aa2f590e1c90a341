// Package obs holds the process-wide observability surface: Prometheus
// metrics for scrape-based monitoring and an async event log persisted to
// SQLite for operator-facing history.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_analyses_total",
			Help: "Completed analyses by verdict label",
		},
		[]string{"label"},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chimera_analysis_duration_seconds",
			Help:    "Wall time of one analyze call, fan-out included",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	SourceQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_source_queries_total",
			Help: "Source adapter consultations by outcome",
		},
		[]string{"source", "outcome"},
	)

	FeedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_feed_fetches_total",
			Help: "Feed fetch cycles by result",
		},
		[]string{"feed", "result"},
	)

	FeedIndicatorsNew = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chimera_feed_indicators_new_total",
			Help: "New (non-duplicate) indicator records ingested from feeds",
		},
	)

	SandboxJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_sandbox_jobs_total",
			Help: "Sandbox job terminal transitions by state",
		},
		[]string{"state"},
	)

	SandboxQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chimera_sandbox_queue_depth",
			Help: "Jobs currently waiting in the sandbox queue",
		},
	)

	SandboxJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chimera_sandbox_job_duration_seconds",
			Help:    "Execution time of completed sandbox jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)
