package eventflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/eventflow/pkg/eventflow/correlate"
	"github.com/randalmurphal/eventflow/pkg/eventflow/dispatch"
	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/instance"
	"github.com/randalmurphal/eventflow/pkg/eventflow/jobs"
	"github.com/randalmurphal/eventflow/pkg/eventflow/lifecycle"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// Receipt reports what happened to one inbound message.
type Receipt struct {
	// Events are the canonical events the channel pipeline produced.
	Events []event.RegistryEvent

	// Outcomes holds one entry per fired subscription, in match order.
	Outcomes []dispatch.Outcome

	// Unmatched counts events no subscription fired for.
	Unmatched int
}

// Err joins the errors of failed outcomes, or returns nil.
func (r *Receipt) Err() error {
	var errs []error
	for _, out := range r.Outcomes {
		if out.Err != nil {
			errs = append(errs, out.Err)
		}
	}
	return errors.Join(errs...)
}

// Engine is the event registry engine. It is safe for concurrent use.
type Engine struct {
	registry  *event.Registry
	channels  *pipeline.Channels
	store     subscription.Store
	instances dispatch.InstanceService
	runtime   *instance.Runtime
	matcher   *correlate.Matcher
	gateway   *dispatch.Gateway
	lifecycle *lifecycle.Manager
	queue     jobs.Queue
	ownsQueue bool
	executor  *jobs.Executor

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	mu     sync.RWMutex
	closed bool
}

// New assembles an engine over store.
func New(store subscription.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		registry: cfg.registry,
		channels: pipeline.NewChannels(),
		store:    store,
		queue:    cfg.queue,
		logger:   cfg.logger,
		metrics:  cfg.metrics,
		spans:    cfg.spans,
	}
	if e.registry == nil {
		e.registry = event.NewRegistry()
	}
	if e.queue == nil {
		e.queue = jobs.NewMemoryQueue()
		e.ownsQueue = true
	}

	e.instances = cfg.instances
	if e.instances == nil {
		e.runtime = instance.NewRuntime(store, instance.WithLogger(cfg.logger))
		e.instances = e.runtime
	} else if rt, ok := cfg.instances.(*instance.Runtime); ok {
		e.runtime = rt
	}

	terminator := cfg.terminator
	if terminator == nil {
		terminator, _ = e.instances.(lifecycle.InstanceTerminator)
	}

	e.matcher = correlate.NewMatcher(e.registry,
		correlate.WithLogger(cfg.logger),
		correlate.WithMetrics(cfg.metrics),
	)
	e.gateway = dispatch.NewGateway(store, e.instances,
		dispatch.WithMode(cfg.mode),
		dispatch.WithEnqueuer(jobs.NewEnqueuer(e.queue)),
		dispatch.WithLogger(cfg.logger),
		dispatch.WithMetrics(cfg.metrics),
		dispatch.WithSpans(cfg.spans),
	)
	lcOpts := []lifecycle.Option{lifecycle.WithLogger(cfg.logger)}
	if terminator != nil {
		lcOpts = append(lcOpts, lifecycle.WithTerminator(terminator))
	}
	e.lifecycle = lifecycle.NewManager(store, lcOpts...)
	e.executor = jobs.NewExecutor(e.queue, e.gateway,
		jobs.WithWorkers(cfg.workers),
		jobs.WithPollInterval(cfg.pollInterval),
		jobs.WithRetry(cfg.retry),
		jobs.WithExecutorLogger(cfg.logger),
		jobs.WithExecutorMetrics(cfg.metrics),
	)
	return e, nil
}

// RegisterModel adds an event model version to the registry.
func (e *Engine) RegisterModel(m event.Model) (*event.Model, error) {
	return e.registry.Register(m)
}

// RegisterChannel adds a channel with a custom pipeline.
func (e *Engine) RegisterChannel(channelKey string, p pipeline.Processor) error {
	return e.channels.Register(channelKey, p)
}

// RegisterJSONChannel adds a JSON channel built from the stock stages.
func (e *Engine) RegisterJSONChannel(channelKey string, ch pipeline.JSONChannel) error {
	p, err := pipeline.NewJSON(e.registry, ch)
	if err != nil {
		return fmt.Errorf("channel %s: %w", channelKey, err)
	}
	return e.channels.Register(channelKey, p)
}

// EventReceived runs one inbound message through its channel pipeline,
// matches every resulting event and dispatches the matches.
//
// A pipeline failure drops the message and is returned; such failures are
// permanent and should not be retried. Failed actions do not fail the
// call: they are reported in the receipt's outcomes (see Receipt.Err).
// When matching fails for some of the message's events, the others are
// still dispatched and the joined match errors are returned with the
// receipt.
func (e *Engine) EventReceived(ctx context.Context, channelKey string, raw pipeline.RawMessage) (*Receipt, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := e.spans.StartReceiveSpan(ctx, channelKey)
	done := observability.TimedOperation()

	events, err := e.process(ctx, channelKey, raw)
	if err != nil {
		observability.LogEventDropped(e.logger, channelKey, err)
		e.metrics.RecordReceived(ctx, channelKey, 0, err)
		e.spans.EndSpanWithError(span, err)
		return nil, err
	}

	// Each event is routed on its own; a failed match does not stop the
	// message's other events.
	receipt := &Receipt{Events: events}
	var routeErrs []error
	for _, re := range events {
		outcomes, err := e.route(ctx, channelKey, re.Instance)
		if err != nil {
			routeErrs = append(routeErrs, err)
			continue
		}
		if len(outcomes) == 0 {
			receipt.Unmatched++
		}
		receipt.Outcomes = append(receipt.Outcomes, outcomes...)
	}
	if err := errors.Join(routeErrs...); err != nil {
		e.metrics.RecordReceived(ctx, channelKey, len(events), err)
		e.spans.EndSpanWithError(span, err)
		return receipt, err
	}

	e.spans.AddSpanEvent(ctx, "dispatched",
		attribute.Int("events", len(events)),
		attribute.Int("outcomes", len(receipt.Outcomes)),
	)
	observability.LogEventReceived(e.logger, channelKey, len(events), done())
	e.metrics.RecordReceived(ctx, channelKey, len(events), nil)
	e.spans.EndSpanWithError(span, nil)
	return receipt, nil
}

// Publish matches and dispatches an already canonical event, skipping the
// channel pipeline.
func (e *Engine) Publish(ctx context.Context, evt event.Instance) ([]dispatch.Outcome, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.route(ctx, "", evt)
}

func (e *Engine) process(ctx context.Context, channelKey string, raw pipeline.RawMessage) ([]event.RegistryEvent, error) {
	p, err := e.channels.Get(channelKey)
	if err != nil {
		return nil, eferrors.Permanent(err, "receive")
	}
	return p.Process(ctx, channelKey, raw)
}

// route matches evt against a committed snapshot of the store and then
// dispatches every match outside the read transaction.
func (e *Engine) route(ctx context.Context, channelKey string, evt event.Instance) ([]dispatch.Outcome, error) {
	var matches []correlate.Match
	err := e.store.View(ctx, func(tx subscription.Tx) error {
		var err error
		matches, err = e.matcher.Match(ctx, tx, evt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", evt.EventKey, err)
	}
	if len(matches) == 0 {
		observability.EnrichLogger(e.logger, channelKey, evt.EventKey, evt.TenantID).
			Debug("no subscription matched")
		return nil, nil
	}

	outcomes := make([]dispatch.Outcome, 0, len(matches))
	for _, m := range matches {
		outcomes = append(outcomes, e.gateway.Dispatch(ctx, m, evt))
	}
	return outcomes, nil
}

// Deploy applies a definition deployment.
func (e *Engine) Deploy(ctx context.Context, def subscription.Definition) (*lifecycle.Result, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.lifecycle.Apply(ctx, lifecycle.DefinitionDeployed{Definition: def})
}

// Undeploy applies a definition deletion.
func (e *Engine) Undeploy(ctx context.Context, definitionID string, cascade bool) (*lifecycle.Result, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.lifecycle.Apply(ctx, lifecycle.DefinitionDeleted{DefinitionID: definitionID, Cascade: cascade})
}

// Drain executes queued async jobs until the queue is empty.
func (e *Engine) Drain(ctx context.Context) ([]dispatch.Outcome, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.executor.Drain(ctx)
}

// Run executes async jobs until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.executor.Run(ctx)
}

// Subscriptions lists subscriptions passing filter.
func (e *Engine) Subscriptions(ctx context.Context, filter subscription.Filter) ([]*subscription.Subscription, error) {
	var subs []*subscription.Subscription
	err := e.store.View(ctx, func(tx subscription.Tx) error {
		var err error
		subs, err = tx.ListSubscriptions(filter)
		return err
	})
	return subs, err
}

// Registry returns the event model registry.
func (e *Engine) Registry() *event.Registry { return e.registry }

// Store returns the subscription store.
func (e *Engine) Store() subscription.Store { return e.store }

// Queue returns the async job queue.
func (e *Engine) Queue() jobs.Queue { return e.queue }

// Runtime returns the in-process runtime, or nil when an external instance
// service was configured.
func (e *Engine) Runtime() *instance.Runtime { return e.runtime }

// Close stops accepting messages and closes the queue if the engine
// created it. The store belongs to the caller and stays open.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.ownsQueue {
		return e.queue.Close()
	}
	return nil
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}
