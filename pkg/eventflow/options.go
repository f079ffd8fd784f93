package eventflow

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/dispatch"
	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/jobs"
	"github.com/randalmurphal/eventflow/pkg/eventflow/lifecycle"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// engineConfig collects options before the engine is assembled.
type engineConfig struct {
	registry     *event.Registry
	instances    dispatch.InstanceService
	terminator   lifecycle.InstanceTerminator
	queue        jobs.Queue
	mode         subscription.Mode
	workers      int
	pollInterval time.Duration
	retry        eferrors.RetryConfig
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		mode:         subscription.ModeSync,
		workers:      4,
		pollInterval: 100 * time.Millisecond,
		retry:        eferrors.DefaultRetry,
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
	}
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithRegistry uses an existing event model registry.
// Default: a new registry without tenant fallback.
func WithRegistry(r *event.Registry) Option {
	return func(c *engineConfig) { c.registry = r }
}

// WithInstanceService sets the workflow runtime that instances are started
// on and signalled through. If it also implements
// lifecycle.InstanceTerminator it is used for cascading deletes.
//
// Default: an in-process instance.Runtime over the engine's store.
func WithInstanceService(svc dispatch.InstanceService) Option {
	return func(c *engineConfig) { c.instances = svc }
}

// WithTerminator overrides the terminator used for cascading deletes.
func WithTerminator(t lifecycle.InstanceTerminator) Option {
	return func(c *engineConfig) { c.terminator = t }
}

// WithQueue sets the async job queue. Default: an in-memory queue.
func WithQueue(q jobs.Queue) Option {
	return func(c *engineConfig) { c.queue = q }
}

// WithDispatchMode sets the mode used by subscriptions that do not choose
// one. Default: subscription.ModeSync.
func WithDispatchMode(mode subscription.Mode) Option {
	return func(c *engineConfig) {
		if mode != subscription.ModeDefault {
			c.mode = mode
		}
	}
}

// WithWorkers sets the async executor's worker count. Default: 4.
func WithWorkers(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithPollInterval sets how often Run polls an empty queue. Default: 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRetry sets the retry policy for async jobs.
func WithRetry(cfg eferrors.RetryConfig) Option {
	return func(c *engineConfig) { c.retry = cfg }
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables metrics collection.
//
// Example:
//
//	engine, err := eventflow.New(store, eventflow.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(c *engineConfig) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithSpans enables tracing.
func WithSpans(spans observability.SpanManager) Option {
	return func(c *engineConfig) {
		if spans != nil {
			c.spans = spans
		}
	}
}
