package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records eventflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordReceived records one inbound message and how many events it
	// produced. A non-nil err means the message was dropped.
	RecordReceived(ctx context.Context, channelKey string, events int, err error)

	// RecordMatch records one subscription firing.
	RecordMatch(ctx context.Context, eventType, action string)

	// RecordStale records a subscription skipped as stale.
	RecordStale(ctx context.Context, eventType string)

	// RecordDispatch records an executed or enqueued action.
	RecordDispatch(ctx context.Context, action, mode string, duration time.Duration, err error)

	// RecordJob records a job outcome (completed, retried, dead_lettered).
	RecordJob(ctx context.Context, outcome string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	received        metric.Int64Counter
	dropped         metric.Int64Counter
	matches         metric.Int64Counter
	stale           metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchErrors  metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	jobs            metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter("eventflow")
	m := &otelMetrics{}

	var err error
	if m.received, err = meter.Int64Counter("eventflow.events.received",
		metric.WithDescription("Number of inbound messages"),
	); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("eventflow.events.dropped",
		metric.WithDescription("Number of inbound messages dropped by the pipeline"),
	); err != nil {
		return nil, err
	}
	if m.matches, err = meter.Int64Counter("eventflow.subscriptions.matched",
		metric.WithDescription("Number of subscriptions that fired"),
	); err != nil {
		return nil, err
	}
	if m.stale, err = meter.Int64Counter("eventflow.subscriptions.stale",
		metric.WithDescription("Number of stale subscriptions skipped during matching"),
	); err != nil {
		return nil, err
	}
	if m.dispatches, err = meter.Int64Counter("eventflow.dispatch.actions",
		metric.WithDescription("Number of dispatched actions"),
	); err != nil {
		return nil, err
	}
	if m.dispatchErrors, err = meter.Int64Counter("eventflow.dispatch.errors",
		metric.WithDescription("Number of failed actions"),
	); err != nil {
		return nil, err
	}
	if m.dispatchLatency, err = meter.Float64Histogram("eventflow.dispatch.latency_ms",
		metric.WithDescription("Dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.jobs, err = meter.Int64Counter("eventflow.jobs",
		metric.WithDescription("Async job outcomes"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithProvider returns a recorder bound to an explicit
// meter provider instead of the global one.
func NewMetricsRecorderWithProvider(provider metric.MeterProvider) (MetricsRecorder, error) {
	return newOtelMetrics(provider)
}

func (m *otelMetrics) RecordReceived(ctx context.Context, channelKey string, events int, err error) {
	attrs := metric.WithAttributes(attribute.String("channel", channelKey))
	m.received.Add(ctx, 1, attrs)
	if err != nil {
		m.dropped.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordMatch(ctx context.Context, eventType, action string) {
	m.matches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("action", action),
	))
}

func (m *otelMetrics) RecordStale(ctx context.Context, eventType string) {
	m.stale.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordDispatch(ctx context.Context, action, mode string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("mode", mode),
	)
	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.dispatchErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordJob(ctx context.Context, outcome string) {
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
