// Package instance provides an in-process workflow runtime.
//
// Runtime stands in for an external workflow engine: it starts instances,
// records the events delivered to them and keeps their event-listener
// subscriptions in the subscription store. It is used by tests, the
// examples and the CLI.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// State is the lifecycle state of an instance.
type State string

// Instance states.
const (
	StateActive     State = "active"
	StateCompleted  State = "completed"
	StateTerminated State = "terminated"
)

// Binding correlates a listener parameter with an instance variable.
type Binding struct {
	Parameter string `json:"parameter" yaml:"parameter"`
	Variable  string `json:"variable" yaml:"variable"`
}

// Listener is an event the instance waits for once started.
type Listener struct {
	EventType string `json:"event_type" yaml:"event_type"`

	// Correlation values are read from the instance variables at start.
	Correlation []Binding `json:"correlation,omitempty" yaml:"correlation"`

	// Literal correlation values.
	CorrelationValues []subscription.CorrelationValue `json:"correlation_values,omitempty" yaml:"correlation_values"`
}

// Behavior describes what instances of a definition do.
type Behavior struct {
	Listeners []Listener `json:"listeners,omitempty" yaml:"listeners"`

	// CompleteOn lists event types that complete the instance.
	CompleteOn []string `json:"complete_on,omitempty" yaml:"complete_on"`
}

// Instance is a snapshot of one running or finished instance.
type Instance struct {
	ID           string                 `json:"id"`
	DefinitionID string                 `json:"definition_id"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	Variables    map[string]event.Value `json:"variables"`
	Received     []event.Instance       `json:"received,omitempty"`
	State        State                  `json:"state"`
	StartedAt    time.Time              `json:"started_at"`
}

func (i *Instance) clone() Instance {
	c := *i
	c.Variables = make(map[string]event.Value, len(i.Variables))
	for k, v := range i.Variables {
		c.Variables[k] = v
	}
	c.Received = slices.Clone(i.Received)
	return c
}

// Sentinel errors.
var (
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrInstanceNotActive = errors.New("instance not active")
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithBehavior registers the behavior of a lineage or of one definition
// ID. A definition ID takes precedence over its lineage.
func WithBehavior(key string, b Behavior) Option {
	return func(r *Runtime) { r.behaviors[key] = b }
}

// Runtime is an in-memory instance service.
type Runtime struct {
	store  subscription.Store
	logger *slog.Logger

	mu        sync.RWMutex
	behaviors map[string]Behavior
	instances map[string]*Instance
	order     []string
}

// NewRuntime creates a runtime that writes listener subscriptions to store.
func NewRuntime(store subscription.Store, opts ...Option) *Runtime {
	r := &Runtime{
		store:     store,
		logger:    slog.Default(),
		behaviors: make(map[string]Behavior),
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Define registers a behavior after construction.
func (r *Runtime) Define(key string, b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[key] = b
}

// Start creates an instance and subscribes its listeners.
func (r *Runtime) Start(ctx context.Context, definitionID, tenantID string, variables map[string]event.Value) (string, error) {
	var def *subscription.Definition
	err := r.store.View(ctx, func(tx subscription.Tx) error {
		var err error
		def, err = tx.GetDefinition(definitionID)
		return err
	})
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return "", eferrors.Permanent(fmt.Errorf("definition %s: %w", definitionID, err), "start instance")
		}
		return "", fmt.Errorf("load definition %s: %w", definitionID, err)
	}

	inst := &Instance{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		TenantID:     tenantID,
		Variables:    make(map[string]event.Value, len(variables)),
		State:        StateActive,
		StartedAt:    time.Now().UTC(),
	}
	for k, v := range variables {
		inst.Variables[k] = v
	}

	behavior := r.behavior(def)
	err = r.store.Update(ctx, func(tx subscription.Tx) error {
		for _, l := range behavior.Listeners {
			err := tx.InsertSubscription(&subscription.Subscription{
				EventType:         l.EventType,
				TenantID:          tenantID,
				ScopeType:         def.ScopeType,
				ScopeDefinitionID: definitionID,
				ScopeID:           inst.ID,
				CorrelationValues: listenerCorrelation(l, inst.Variables),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("subscribe listeners of %s: %w", inst.ID, err)
	}

	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.order = append(r.order, inst.ID)
	r.mu.Unlock()

	r.logger.Debug("instance started",
		slog.String("instance_id", inst.ID),
		slog.String("definition_id", definitionID),
		slog.Int("listeners", len(behavior.Listeners)),
	)
	return inst.ID, nil
}

// Signal delivers an event to an active instance. An event listed in the
// behavior's CompleteOn completes the instance.
func (r *Runtime) Signal(ctx context.Context, instanceID string, evt event.Instance) error {
	r.mu.Lock()
	inst, ok := r.instances[instanceID]
	if !ok {
		r.mu.Unlock()
		return eferrors.Permanent(fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID), "signal")
	}
	if inst.State != StateActive {
		state := inst.State
		r.mu.Unlock()
		return eferrors.Permanent(fmt.Errorf("%w: %s is %s", ErrInstanceNotActive, instanceID, state), "signal")
	}
	inst.Received = append(inst.Received, evt)
	definitionID := inst.DefinitionID
	r.mu.Unlock()

	r.logger.Debug("instance signalled",
		slog.String("instance_id", instanceID),
		slog.String("event_key", evt.EventKey),
	)

	// A definition that cannot be read falls back to the behavior keyed by
	// its ID.
	def := &subscription.Definition{ID: definitionID}
	err := r.store.View(ctx, func(tx subscription.Tx) error {
		d, err := tx.GetDefinition(definitionID)
		if err != nil {
			return err
		}
		def = d
		return nil
	})
	if err != nil && !errors.Is(err, subscription.ErrNotFound) {
		observability.LogDefinitionLookupFailed(r.logger, definitionID, err)
	}
	if slices.Contains(r.behavior(def).CompleteOn, evt.EventKey) {
		return r.finish(ctx, []string{instanceID}, StateCompleted)
	}
	return nil
}

// Complete ends an active instance normally.
func (r *Runtime) Complete(ctx context.Context, instanceID string) error {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if inst.State != StateActive {
		return fmt.Errorf("%w: %s", ErrInstanceNotActive, instanceID)
	}
	return r.finish(ctx, []string{instanceID}, StateCompleted)
}

// Terminate ends one active instance without completing it.
func (r *Runtime) Terminate(ctx context.Context, instanceID string) error {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if inst.State != StateActive {
		return fmt.Errorf("%w: %s", ErrInstanceNotActive, instanceID)
	}
	return r.finish(ctx, []string{instanceID}, StateTerminated)
}

// TerminateInstances ends every active instance of a definition.
func (r *Runtime) TerminateInstances(ctx context.Context, definitionID string) (int, error) {
	r.mu.RLock()
	var ids []string
	for _, id := range r.order {
		inst := r.instances[id]
		if inst.DefinitionID == definitionID && inst.State == StateActive {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.finish(ctx, ids, StateTerminated); err != nil {
		return 0, err
	}
	r.logger.Info("instances terminated",
		slog.String("definition_id", definitionID),
		slog.Int("count", len(ids)),
	)
	return len(ids), nil
}

// finish removes the instances' subscriptions and references, then marks
// them with state.
func (r *Runtime) finish(ctx context.Context, ids []string, state State) error {
	err := r.store.Update(ctx, func(tx subscription.Tx) error {
		for _, id := range ids {
			if _, err := tx.DeleteSubscriptionsByScope(id); err != nil {
				return err
			}
			if err := tx.DeleteInstanceReference(id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unsubscribe instances: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.instances[id].State = state
	}
	return nil
}

// Get returns a snapshot of one instance.
func (r *Runtime) Get(instanceID string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return Instance{}, false
	}
	return inst.clone(), true
}

// Instances returns snapshots of every instance in start order.
func (r *Runtime) Instances() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.instances[id].clone())
	}
	return out
}

// InstancesOf returns the instances of one definition in start order.
func (r *Runtime) InstancesOf(definitionID string) []Instance {
	var out []Instance
	for _, inst := range r.Instances() {
		if inst.DefinitionID == definitionID {
			out = append(out, inst)
		}
	}
	return out
}

// Count returns the number of instances started so far.
func (r *Runtime) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Runtime) behavior(def *subscription.Definition) Behavior {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.behaviors[def.ID]; ok {
		return b
	}
	return r.behaviors[def.Lineage]
}

// listenerCorrelation resolves a listener's correlation values. A bound
// variable the instance does not have correlates on null.
func listenerCorrelation(l Listener, vars map[string]event.Value) []subscription.CorrelationValue {
	out := slices.Clone(l.CorrelationValues)
	for _, b := range l.Correlation {
		out = append(out, subscription.CorrelationValue{Name: b.Parameter, Value: vars[b.Variable]})
	}
	return out
}
