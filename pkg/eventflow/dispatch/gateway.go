// Package dispatch turns matcher decisions into calls on the external
// instance contract, either inline or through an async job queue.
//
// Each action is dispatched independently. A failed action is reported in
// its own Outcome and never prevents sibling actions from running.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/correlate"
	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// InstanceService is the external workflow runtime.
type InstanceService interface {
	// Start creates an instance of a definition and returns its ID.
	Start(ctx context.Context, definitionID, tenantID string, variables map[string]event.Value) (string, error)

	// Signal delivers an event to a running instance.
	Signal(ctx context.Context, instanceID string, evt event.Instance) error
}

// Terminator is implemented by instance services that can stop an
// instance. The gateway uses it to undo a dedup start whose reference could
// not be recorded.
type Terminator interface {
	Terminate(ctx context.Context, instanceID string) error
}

// Enqueuer hands an action to the async job queue. The job executor later
// replays it through Gateway.Execute.
type Enqueuer interface {
	Enqueue(ctx context.Context, match correlate.Match, evt event.Instance) (string, error)
}

// ErrNoEnqueuer is returned for async actions when no queue is configured.
var ErrNoEnqueuer = errors.New("async dispatch requires an enqueuer")

// DispatchError reports a failed action. The wrapped error keeps its
// category, so contract failures stay retryable.
type DispatchError struct {
	SubscriptionID string
	Action         correlate.ActionKind
	InstanceID     string
	Err            error
}

func (e *DispatchError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("dispatch %s for subscription %s (instance %s): %v", e.Action, e.SubscriptionID, e.InstanceID, e.Err)
	}
	return fmt.Sprintf("dispatch %s for subscription %s: %v", e.Action, e.SubscriptionID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Outcome is the result of dispatching one match.
type Outcome struct {
	SubscriptionID string            `json:"subscription_id"`
	Mode           subscription.Mode `json:"mode"`

	// Action is what was actually done. A dedup start may run as a signal
	// when another delivery created the instance first.
	Action correlate.Action `json:"action"`

	// InstanceID is the started or signalled instance. Empty for async.
	InstanceID string `json:"instance_id,omitempty"`

	// JobID is set for async dispatch.
	JobID string `json:"job_id,omitempty"`

	Err error `json:"-"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMode sets the mode used by subscriptions that do not choose one.
// Default: ModeSync.
func WithMode(mode subscription.Mode) Option {
	return func(g *Gateway) { g.mode = mode }
}

// WithEnqueuer enables async dispatch.
func WithEnqueuer(enqueuer Enqueuer) Option {
	return func(g *Gateway) { g.enqueuer = enqueuer }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(g *Gateway) { g.metrics = metrics }
}

// WithSpans sets the span manager.
func WithSpans(spans observability.SpanManager) Option {
	return func(g *Gateway) { g.spans = spans }
}

// Gateway dispatches matches. It is safe for concurrent use.
type Gateway struct {
	store     subscription.Store
	instances InstanceService
	enqueuer  Enqueuer
	mode      subscription.Mode
	locks     *keyLock
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
}

// NewGateway creates a gateway. The store receives instance references for
// dedup-protected starts.
func NewGateway(store subscription.Store, instances InstanceService, opts ...Option) *Gateway {
	g := &Gateway{
		store:     store,
		instances: instances,
		mode:      subscription.ModeSync,
		locks:     newKeyLock(),
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ModeFor returns the mode a match is dispatched with.
func (g *Gateway) ModeFor(m correlate.Match) subscription.Mode {
	if mode := m.Subscription.Configuration.Mode; mode != subscription.ModeDefault {
		return mode
	}
	return g.mode
}

// Dispatch runs or enqueues one match.
func (g *Gateway) Dispatch(ctx context.Context, m correlate.Match, evt event.Instance) Outcome {
	if g.ModeFor(m) != subscription.ModeAsync {
		return g.Execute(ctx, m, evt)
	}

	done := observability.TimedOperation()
	out := Outcome{SubscriptionID: m.Subscription.ID, Mode: subscription.ModeAsync, Action: m.Action}
	if g.enqueuer == nil {
		out.Err = &DispatchError{SubscriptionID: m.Subscription.ID, Action: m.Action.Kind, Err: ErrNoEnqueuer}
	} else if jobID, err := g.enqueuer.Enqueue(ctx, m, evt); err != nil {
		out.Err = &DispatchError{SubscriptionID: m.Subscription.ID, Action: m.Action.Kind, Err: fmt.Errorf("enqueue: %w", err)}
	} else {
		out.JobID = jobID
	}
	g.report(ctx, out, done())
	return out
}

// Execute runs one match inline. The job executor replays async jobs here.
func (g *Gateway) Execute(ctx context.Context, m correlate.Match, evt event.Instance) Outcome {
	done := observability.TimedOperation()
	ctx, span := g.spans.StartDispatchSpan(ctx, m.Subscription.ID, m.Action.Kind.String())

	out := Outcome{SubscriptionID: m.Subscription.ID, Mode: subscription.ModeSync, Action: m.Action}
	switch {
	case m.Action.Deduplicated():
		g.executeDeduplicated(ctx, m, evt, &out)
	case m.Action.Kind == correlate.ActionSignal:
		out.InstanceID = m.Action.InstanceID
		out.Err = g.signal(ctx, m, evt, m.Action.InstanceID)
	default:
		out.InstanceID, out.Err = g.start(ctx, m, evt)
	}

	g.spans.EndSpanWithError(span, out.Err)
	g.report(ctx, out, done())
	return out
}

// executeDeduplicated reserves the reference under a per-key lock before
// starting, so two deliveries of one correlation key never both start an
// instance and no instance is started without a recorded reservation.
func (g *Gateway) executeDeduplicated(ctx context.Context, m correlate.Match, evt event.Instance, out *Outcome) {
	lineage, refID := m.Action.Lineage, m.Action.ReferenceID
	unlock := g.locks.Lock(lineage + "\x00" + refID)
	defer unlock()

	var existing *subscription.InstanceReference
	err := g.store.Update(ctx, func(tx subscription.Tx) error {
		ref, err := tx.FindInstanceReference(lineage, refID)
		switch {
		case err == nil:
			existing = ref
			return nil
		case !errors.Is(err, subscription.ErrNotFound):
			return fmt.Errorf("find instance reference: %w", err)
		}
		err = tx.InsertInstanceReference(&subscription.InstanceReference{
			Lineage:       lineage,
			ReferenceID:   refID,
			ReferenceType: subscription.ReferenceTypeEventInstance,
			DefinitionID:  m.Subscription.ScopeDefinitionID,
			TenantID:      evt.TenantID,
		})
		if err != nil {
			return fmt.Errorf("reserve instance reference: %w", err)
		}
		return nil
	})
	if err != nil {
		out.Err = &DispatchError{SubscriptionID: m.Subscription.ID, Action: m.Action.Kind, Err: err}
		return
	}
	if existing != nil && !existing.Pending() {
		out.Action.Kind = correlate.ActionSignal
		out.Action.InstanceID = existing.InstanceID
		out.InstanceID = existing.InstanceID
		out.Err = g.signal(ctx, m, evt, existing.InstanceID)
		return
	}

	// The reservation is ours: either freshly inserted or left behind by a
	// start that never completed.
	out.Action.Kind = correlate.ActionStart
	out.Action.InstanceID = ""
	instanceID, err := g.start(ctx, m, evt)
	if err != nil {
		if rerr := g.store.Update(ctx, func(tx subscription.Tx) error {
			return tx.ReleaseInstanceReference(lineage, refID)
		}); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release instance reference: %w", rerr))
		}
		out.Err = err
		return
	}
	out.InstanceID = instanceID
	out.Action.InstanceID = instanceID

	err = g.store.Update(ctx, func(tx subscription.Tx) error {
		return tx.BindInstanceReference(lineage, refID, instanceID)
	})
	if err != nil {
		out.Err = &DispatchError{
			SubscriptionID: m.Subscription.ID,
			Action:         correlate.ActionStart,
			InstanceID:     instanceID,
			Err:            eferrors.Permanent(fmt.Errorf("bind instance reference: %w", err), "dedup start"),
		}
		g.compensate(ctx, m, refID, instanceID, err)
	}
}

// compensate stops an instance whose reference could not be bound. Without
// a Terminator the instance is left running and logged.
func (g *Gateway) compensate(ctx context.Context, m correlate.Match, refID, instanceID string, cause error) {
	terminateErr := errors.New("instance service cannot terminate")
	if t, ok := g.instances.(Terminator); ok {
		terminateErr = t.Terminate(context.WithoutCancel(ctx), instanceID)
	}
	observability.LogOrphanedInstance(g.logger, m.Subscription.ID, instanceID, refID, cause, terminateErr)
}

func (g *Gateway) start(ctx context.Context, m correlate.Match, evt event.Instance) (string, error) {
	instanceID, err := g.instances.Start(ctx, m.Subscription.ScopeDefinitionID, evt.TenantID, Variables(m.Subscription, evt))
	if err != nil {
		return "", &DispatchError{SubscriptionID: m.Subscription.ID, Action: correlate.ActionStart, Err: err}
	}
	return instanceID, nil
}

func (g *Gateway) signal(ctx context.Context, m correlate.Match, evt event.Instance, instanceID string) error {
	if err := g.instances.Signal(ctx, instanceID, evt); err != nil {
		return &DispatchError{SubscriptionID: m.Subscription.ID, Action: correlate.ActionSignal, InstanceID: instanceID, Err: err}
	}
	return nil
}

func (g *Gateway) report(ctx context.Context, out Outcome, durationMs float64) {
	action := out.Action.Kind.String()
	g.metrics.RecordDispatch(ctx, action, string(out.Mode), time.Duration(durationMs*float64(time.Millisecond)), out.Err)
	if out.Err != nil {
		observability.LogDispatchError(g.logger, out.SubscriptionID, action, out.Err)
		return
	}
	observability.LogDispatch(g.logger, out.SubscriptionID, action, string(out.Mode), out.InstanceID, durationMs)
}

// Variables derives start variables from an event. Explicit mappings copy
// the named fields; without mappings every header, then every payload
// field, is copied under its own name.
func Variables(sub *subscription.Subscription, evt event.Instance) map[string]event.Value {
	vars := make(map[string]event.Value)
	if len(sub.Configuration.Variables) == 0 {
		for name, v := range evt.Headers {
			vars[name] = v
		}
		for name, v := range evt.Payload {
			vars[name] = v
		}
		return vars
	}

	for _, mapping := range sub.Configuration.Variables {
		source := evt.Payload
		if mapping.Source == subscription.SourceHeader {
			source = evt.Headers
		}
		v, ok := source[mapping.Field]
		if !ok {
			continue
		}
		name := mapping.Variable
		if name == "" {
			name = mapping.Field
		}
		vars[name] = v
	}
	return vars
}
