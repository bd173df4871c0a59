package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textlens_jobs_total",
			Help: "Total number of jobs by terminal state",
		},
		[]string{"status"}, // status: done, errored
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "textlens_job_duration_seconds",
			Help:    "Job duration from admission to terminal event",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"}, // outcome: cache_hit, recognized, errored
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "textlens_queue_depth",
			Help: "Number of jobs waiting for admission",
		},
	)

	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "textlens_cache_hits_total",
			Help: "Result cache hits",
		},
	)

	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "textlens_cache_misses_total",
			Help: "Result cache misses",
		},
	)

	cacheErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "textlens_cache_errors_total",
			Help: "Result cache failures treated as misses",
		},
	)
)
