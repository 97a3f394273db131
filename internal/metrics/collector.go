// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the engine's prometheus metrics. A
// nil *Collector is safe to call; every method no-ops, so components
// can treat metrics as optional.
type Collector struct {
	// Run metrics
	runsTotal  *prometheus.CounterVec
	runsActive prometheus.Gauge

	// Stage metrics
	stageExecutionsTotal *prometheus.CounterVec
	stageAttemptsTotal   *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec

	// Intervention metrics
	escalationsTotal *prometheus.CounterVec
	resolutionsTotal *prometheus.CounterVec

	// Generation metrics
	generationDuration *prometheus.HistogramVec
	promptTokensTotal  *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector. A nil registerer uses the
// default prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of runs reaching a terminal status",
		},
		[]string{"pipeline", "status"},
	)

	c.runsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of runs currently executing",
		},
	)

	c.stageExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Total number of completed stage executions",
		},
		[]string{"stage", "status"},
	)

	c.stageAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Total number of stage attempts",
		},
		[]string{"stage", "result"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"stage"},
	)

	c.escalationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Total number of stages escalated to a human",
		},
		[]string{"stage"},
	)

	c.resolutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Total number of applied human resolutions",
		},
		[]string{"type"},
	)

	c.generationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Generation call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"stage"},
	)

	c.promptTokensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_tokens_total",
			Help:      "Total prompt tokens sent to the generation backend",
		},
		[]string{"stage"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return c
}

// RecordRunCompleted increments the terminal run counter.
func (c *Collector) RecordRunCompleted(pipeline, status string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(pipeline, status).Inc()
}

// RunStarted increments the active run gauge.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsActive.Inc()
}

// RunFinished decrements the active run gauge.
func (c *Collector) RunFinished() {
	if c == nil {
		return
	}
	c.runsActive.Dec()
}

// RecordStageExecution records a completed stage execution.
func (c *Collector) RecordStageExecution(stage, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordAttempt records one stage attempt and its result.
func (c *Collector) RecordAttempt(stage, result string, tokens int, generationTime time.Duration) {
	if c == nil {
		return
	}
	c.stageAttemptsTotal.WithLabelValues(stage, result).Inc()
	c.promptTokensTotal.WithLabelValues(stage).Add(float64(tokens))
	c.generationDuration.WithLabelValues(stage).Observe(generationTime.Seconds())
}

// RecordEscalation records a stage escalating to a human.
func (c *Collector) RecordEscalation(stage string) {
	if c == nil {
		return
	}
	c.escalationsTotal.WithLabelValues(stage).Inc()
}

// RecordResolution records an applied human resolution.
func (c *Collector) RecordResolution(resolutionType string) {
	if c == nil {
		return
	}
	c.resolutionsTotal.WithLabelValues(resolutionType).Inc()
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
