// Package observability holds the Prometheus metrics and OpenTelemetry
// tracer of the ingestion pipeline.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const metricsNamespace = "labingest"

var tracer = otel.Tracer("labingest.pipeline")

// Metrics are the pipeline counters, gauges and histograms. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	uploadsTotal         *prometheus.CounterVec
	pipelineRunsTotal    *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	secureDeleteFailures prometheus.Counter
	queueDepth           prometheus.Gauge
	activeRuns           prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uploads_total",
			Help:      "Uploads by outcome (accepted, validation, security, too_large, unavailable)",
		}, []string{"outcome"}),
		pipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_runs_total",
			Help:      "Finished pipeline runs by terminal status and failure kind",
		}, []string{"status", "kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"stage"}),
		secureDeleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "secure_delete_failures_total",
			Help:      "Staged files that could not be securely deleted",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Pipeline runs waiting for a worker",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_runs",
			Help:      "Pipeline runs currently executing",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.uploadsTotal, m.pipelineRunsTotal, m.stageDuration,
			m.secureDeleteFailures, m.queueDepth, m.activeRuns)
	}
	return m
}

// Upload counts an upload decision.
func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(outcome).Inc()
}

// RunFinished counts a terminal pipeline run. kind is empty on success.
func (m *Metrics) RunFinished(status, kind string) {
	if m == nil {
		return
	}
	m.pipelineRunsTotal.WithLabelValues(status, kind).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SecureDeleteFailed counts a failed secure deletion.
func (m *Metrics) SecureDeleteFailed() {
	if m == nil {
		return
	}
	m.secureDeleteFailures.Inc()
}

// QueueDepth sets the number of queued runs.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RunStarted and RunDone track executing runs.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RunDone() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

// StartStage opens a span for one pipeline stage. The returned func ends
// the span, records err on it and observes the stage duration.
func (m *Metrics) StartStage(ctx context.Context, stage, experimentID string) (context.Context, func(err error)) {
	ctx, span := tracer.Start(ctx, "pipeline."+stage,
		trace.WithAttributes(
			attribute.String("pipeline.stage", stage),
			attribute.String("experiment.id", experimentID),
		),
	)
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, stage+" failed")
		}
		span.End()
		m.ObserveStage(stage, time.Since(start))
	}
}
