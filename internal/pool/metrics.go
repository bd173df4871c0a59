package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	engineCreations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "textlens_engine_creations_total",
			Help: "Total number of recognition engine instances created",
		},
	)

	engineTeardowns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "textlens_engine_teardowns_total",
			Help: "Total number of recognition engine instances torn down",
		},
	)

	engineActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "textlens_engine_active",
			Help: "Whether a warm recognition engine is currently held (0 or 1)",
		},
	)
)
