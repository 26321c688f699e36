package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scrapi_runs_active",
		Help: "Pipeline runs currently in progress",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapi_runs_total",
		Help: "Finished pipeline runs by result",
	}, []string{"result"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrapi_run_duration_seconds",
		Help:    "End-to-end pipeline run latency",
		Buckets: []float64{5, 10, 20, 30, 60, 120, 300, 600, 1200},
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scrapi_step_duration_seconds",
		Help:    "Per-step latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"step"})

	StepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapi_step_errors_total",
		Help: "Failed steps by step name",
	}, []string{"step"})

	TaskAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapi_task_attempts_total",
		Help: "Task attempts by task and outcome",
	}, []string{"task", "outcome"})

	TestAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrapi_test_attempts",
		Help:    "Test attempts used per run",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	TestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrapi_test_outcomes_total",
		Help: "Test attempt results: passed, empty or failed",
	}, []string{"outcome"})

	CapturedLogs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrapi_captured_logs",
		Help:    "Network log entries captured per run",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	BundleTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrapi_bundle_tokens",
		Help:    "Estimated tokens in the bundle sent to the generator",
		Buckets: prometheus.ExponentialBuckets(1000, 2, 10),
	})

	RunsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrapi_runs_rejected_total",
		Help: "Run requests rejected because the server was at capacity",
	})
)
