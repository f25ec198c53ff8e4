package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "augment_pipeline_runs_total",
		Help: "Pipeline runs by outcome",
	}, []string{"outcome"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "augment_pipeline_step_duration_seconds",
		Help:    "Pipeline step duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
	}, []string{"step"})

	engineErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "augment_recognition_engine_errors_total",
		Help: "Recognition engine errors by kind and code",
	}, []string{"kind", "code"})
)
