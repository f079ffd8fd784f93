// Package correlate decides which subscriptions fire for a canonical event
// and whether each one starts a new instance or signals an existing one.
//
// Matching is structural: a subscription fires when every one of its
// correlation values is present on the event with an equal value. All
// matching subscriptions fire; there is no specificity ranking.
package correlate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// ActionKind says what the dispatch gateway does with a match.
type ActionKind int

const (
	// ActionStart creates a new instance of the subscription's definition.
	ActionStart ActionKind = iota
	// ActionSignal delivers the event to an existing instance.
	ActionSignal
)

// String returns the action name.
func (k ActionKind) String() string {
	switch k {
	case ActionStart:
		return "start"
	case ActionSignal:
		return "signal"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ActionKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "start":
		*k = ActionStart
	case "signal":
		*k = ActionSignal
	default:
		return fmt.Errorf("unknown action %q", text)
	}
	return nil
}

// Action is the decision for one matched subscription.
type Action struct {
	Kind ActionKind `json:"kind"`

	// InstanceID is the signal target. Empty for starts.
	InstanceID string `json:"instance_id,omitempty"`

	// ReferenceID and Lineage are set when the start subscription is
	// dedup-protected. A signal carrying them was converted from a start.
	ReferenceID string `json:"reference_id,omitempty"`
	Lineage     string `json:"lineage,omitempty"`
}

// Deduplicated reports whether the action is governed by the
// one-instance-per-correlation-key policy.
func (a Action) Deduplicated() bool {
	return a.ReferenceID != ""
}

// Match pairs a fired subscription with its action.
type Match struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Action       Action                     `json:"action"`
}

// ErrStaleSubscription is the sentinel behind StaleSubscriptionError.
var ErrStaleSubscription = errors.New("stale subscription")

// StaleSubscriptionError reports a subscription whose definition or event
// model can no longer be resolved. Stale subscriptions are skipped.
type StaleSubscriptionError struct {
	SubscriptionID string
	DefinitionID   string
	Err            error
}

func (e *StaleSubscriptionError) Error() string {
	return fmt.Sprintf("stale subscription %s (definition %s): %v", e.SubscriptionID, e.DefinitionID, e.Err)
}

func (e *StaleSubscriptionError) Unwrap() error { return e.Err }

// Is matches ErrStaleSubscription.
func (e *StaleSubscriptionError) Is(target error) bool { return target == ErrStaleSubscription }

// Category implements eferrors.Categorizer. Retrying cannot revive a stale row.
func (e *StaleSubscriptionError) Category() eferrors.Category { return eferrors.CategoryPermanent }

// ModelResolver resolves event models. *event.Registry implements it.
type ModelResolver interface {
	Resolve(key, tenantID string) (*event.Model, error)
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the logger for stale-subscription warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) { m.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(m *Matcher) { m.metrics = metrics }
}

// Matcher evaluates events against the subscription store.
// It is safe for concurrent use.
type Matcher struct {
	models  ModelResolver
	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// NewMatcher creates a matcher over the given event models.
func NewMatcher(models ModelResolver, opts ...Option) *Matcher {
	m := &Matcher{
		models:  models,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match returns the subscriptions that fire for evt, in store order.
//
// Stale subscriptions are logged and skipped; the returned slice contains
// only actionable matches. A store failure aborts matching.
func (m *Matcher) Match(ctx context.Context, tx subscription.Tx, evt event.Instance) ([]Match, error) {
	candidates, err := tx.FindSubscriptions(evt.EventKey, evt.TenantID)
	if err != nil {
		return nil, fmt.Errorf("find subscriptions for %s: %w", evt.EventKey, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	model, modelErr := m.models.Resolve(evt.EventKey, evt.TenantID)
	definitions := make(map[string]*subscription.Definition)

	var matches []Match
	for _, sub := range candidates {
		if !Matches(sub, &evt) {
			continue
		}

		def, err := m.definition(tx, definitions, sub.ScopeDefinitionID)
		if err == nil && modelErr != nil {
			err = modelErr
		}
		if err != nil {
			if errors.Is(err, subscription.ErrNotFound) || errors.Is(err, event.ErrModelNotFound) {
				stale := &StaleSubscriptionError{SubscriptionID: sub.ID, DefinitionID: sub.ScopeDefinitionID, Err: err}
				observability.LogStaleSubscription(m.logger, sub.ID, sub.ScopeDefinitionID, stale)
				m.metrics.RecordStale(ctx, sub.EventType)
				continue
			}
			return nil, err
		}

		action, err := m.decide(tx, sub, def, model, &evt)
		if err != nil {
			return nil, err
		}
		observability.LogMatch(m.logger, sub.ID, action.Kind.String(), action.InstanceID)
		m.metrics.RecordMatch(ctx, sub.EventType, action.Kind.String())
		matches = append(matches, Match{Subscription: sub, Action: action})
	}
	return matches, nil
}

func (m *Matcher) definition(tx subscription.Tx, cache map[string]*subscription.Definition, id string) (*subscription.Definition, error) {
	if d, ok := cache[id]; ok {
		return d, nil
	}
	d, err := tx.GetDefinition(id)
	if err != nil {
		return nil, err
	}
	cache[id] = d
	return d, nil
}

func (m *Matcher) decide(tx subscription.Tx, sub *subscription.Subscription, def *subscription.Definition, model *event.Model, evt *event.Instance) (Action, error) {
	if !sub.IsStart() {
		return Action{Kind: ActionSignal, InstanceID: sub.ScopeID}, nil
	}
	if !sub.Configuration.OnlyOneInstance {
		return Action{Kind: ActionStart}, nil
	}

	action := Action{
		Kind:        ActionStart,
		ReferenceID: ReferenceID(evt.CorrelationValues(model)),
		Lineage:     def.Lineage,
	}
	ref, err := tx.FindInstanceReference(action.Lineage, action.ReferenceID)
	switch {
	case err == nil && ref.Pending():
		// Another dispatch holds the reservation; the gateway resolves it.
	case err == nil:
		action.Kind = ActionSignal
		action.InstanceID = ref.InstanceID
	case !errors.Is(err, subscription.ErrNotFound):
		return Action{}, fmt.Errorf("find instance reference: %w", err)
	}
	return action, nil
}

// Matches reports whether every correlation value of sub is present on evt
// with an equal value. Payload fields shadow headers of the same name.
func Matches(sub *subscription.Subscription, evt *event.Instance) bool {
	for _, cv := range sub.CorrelationValues {
		v, ok := evt.Lookup(cv.Name)
		if !ok || !v.Equal(cv.Value) {
			return false
		}
	}
	return true
}

// ReferenceID derives the dedup key for a set of correlation values. The
// values must be in model declaration order; numerically equal integer and
// double values produce the same key.
func ReferenceID(values []event.NamedValue) string {
	h := sha256.New()
	for _, nv := range values {
		h.Write([]byte(nv.Name))
		h.Write([]byte{'='})
		h.Write([]byte(nv.Value.Canonical()))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
