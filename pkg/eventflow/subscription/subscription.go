// Package subscription is the authoritative store of event subscriptions,
// deployed definitions and instance references.
//
// All reads and writes go through View and Update transactions. Writers are
// serialized and readers only ever observe committed state.
package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Scope types.
const (
	ScopeProcess = "process"
	ScopeCase    = "case"
)

// ReferenceTypeEventInstance marks instances started by a dedup-protected
// start subscription.
const ReferenceTypeEventInstance = "event-instance"

// Mode selects how the dispatch gateway runs an action.
type Mode string

// Dispatch modes. ModeDefault defers to the gateway configuration.
const (
	ModeDefault Mode = ""
	ModeSync    Mode = "sync"
	ModeAsync   Mode = "async"
)

// VariableSource says where a mapped variable is read from.
type VariableSource string

// Variable sources.
const (
	SourcePayload VariableSource = "payload"
	SourceHeader  VariableSource = "header"
)

// VariableMapping copies one event field into an instance variable.
type VariableMapping struct {
	Source   VariableSource `json:"source" yaml:"source"`
	Field    string         `json:"field" yaml:"field"`
	Variable string         `json:"variable" yaml:"variable"`
}

// Configuration tells the dispatch gateway how to act on a match.
type Configuration struct {
	// Mode overrides the gateway default when set.
	Mode Mode `json:"mode,omitempty" yaml:"mode"`

	// OnlyOneInstance enables dedup: one instance per distinct set of
	// correlation values within the definition lineage.
	OnlyOneInstance bool `json:"only_one_instance,omitempty" yaml:"only_one_instance"`

	// Variables maps event fields to instance variables. Empty copies every
	// header, then every payload field, under its own name.
	Variables []VariableMapping `json:"variables,omitempty" yaml:"variables"`
}

// CorrelationValue is one required (parameter, literal) pair.
type CorrelationValue = event.NamedValue

// Subscription binds an event type to a definition (start subscription)
// or to one running instance (instance subscription).
type Subscription struct {
	ID                string             `json:"id"`
	EventType         string             `json:"event_type"`
	TenantID          string             `json:"tenant_id,omitempty"`
	ScopeType         string             `json:"scope_type"`
	ScopeDefinitionID string             `json:"scope_definition_id"`
	ScopeID           string             `json:"scope_id,omitempty"`
	CorrelationValues []CorrelationValue `json:"correlation_values,omitempty"`
	Configuration     Configuration      `json:"configuration"`
	CreatedAt         time.Time          `json:"created_at"`
}

// IsStart reports whether s is a start subscription (no bound instance).
func (s *Subscription) IsStart() bool {
	return s.ScopeID == ""
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.CorrelationValues = append([]CorrelationValue(nil), s.CorrelationValues...)
	c.Configuration.Variables = append([]VariableMapping(nil), s.Configuration.Variables...)
	return &c
}

// InstanceReference is the back-link recorded when a dedup-protected start
// subscription creates an instance.
type InstanceReference struct {
	Lineage       string `json:"lineage"`
	ReferenceID   string `json:"reference_id"`
	ReferenceType string `json:"reference_type"`
	InstanceID    string `json:"instance_id"`
	DefinitionID  string `json:"definition_id"`
	TenantID      string `json:"tenant_id,omitempty"`
}

// Pending reports whether the reference is reserved for a start that has
// not yet been bound to an instance.
func (r *InstanceReference) Pending() bool {
	return r.InstanceID == ""
}

// StartTrigger declares an event-triggered start on a definition.
type StartTrigger struct {
	EventType         string             `json:"event_type" yaml:"event_type"`
	CorrelationValues []CorrelationValue `json:"correlation_values,omitempty" yaml:"correlation_values"`
	Configuration     Configuration      `json:"configuration" yaml:"configuration"`
}

// Definition is one deployed version of a workflow definition lineage.
type Definition struct {
	ID            string         `json:"id" yaml:"id"`
	Lineage       string         `json:"lineage" yaml:"lineage"`
	Version       int            `json:"version" yaml:"version"`
	TenantID      string         `json:"tenant_id,omitempty" yaml:"tenant_id"`
	ScopeType     string         `json:"scope_type" yaml:"scope_type"`
	StartTriggers []StartTrigger `json:"start_triggers,omitempty" yaml:"start_triggers"`
	Deleted       bool           `json:"deleted,omitempty" yaml:"-"`
	DeployedAt    time.Time      `json:"deployed_at" yaml:"-"`
}

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	c := *d
	c.StartTriggers = make([]StartTrigger, len(d.StartTriggers))
	for i, t := range d.StartTriggers {
		t.CorrelationValues = append([]CorrelationValue(nil), t.CorrelationValues...)
		t.Configuration.Variables = append([]VariableMapping(nil), t.Configuration.Variables...)
		c.StartTriggers[i] = t
	}
	return &c
}

// Filter narrows ListSubscriptions. Zero fields match anything.
type Filter struct {
	EventType         string
	TenantID          *string
	ScopeType         string
	ScopeDefinitionID string
	ScopeID           string
	StartOnly         bool
	InstanceOnly      bool
}

// Matches reports whether s passes the filter.
func (f Filter) Matches(s *Subscription) bool {
	switch {
	case f.EventType != "" && s.EventType != f.EventType:
		return false
	case f.TenantID != nil && s.TenantID != *f.TenantID:
		return false
	case f.ScopeType != "" && s.ScopeType != f.ScopeType:
		return false
	case f.ScopeDefinitionID != "" && s.ScopeDefinitionID != f.ScopeDefinitionID:
		return false
	case f.ScopeID != "" && s.ScopeID != f.ScopeID:
		return false
	case f.StartOnly && !s.IsStart():
		return false
	case f.InstanceOnly && s.IsStart():
		return false
	}
	return true
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// FindSubscriptions returns every subscription for an event type and
	// tenant, in insertion order.
	FindSubscriptions(eventType, tenantID string) ([]*Subscription, error)

	// ListSubscriptions returns subscriptions passing the filter, in
	// insertion order.
	ListSubscriptions(filter Filter) ([]*Subscription, error)

	// InsertSubscription stores a subscription. Empty IDs and zero
	// timestamps are filled in.
	InsertSubscription(s *Subscription) error

	// DeleteSubscriptionsByScopeDefinition removes start and instance
	// subscriptions owned by a definition.
	DeleteSubscriptionsByScopeDefinition(definitionID string) (int, error)

	// DeleteStartSubscriptions removes only the start subscriptions of a
	// definition.
	DeleteStartSubscriptions(definitionID string) (int, error)

	// DeleteSubscriptionsByScope removes the subscriptions bound to one
	// instance.
	DeleteSubscriptionsByScope(scopeID string) (int, error)

	// DeleteSubscription removes one subscription by ID.
	DeleteSubscription(id string) error

	// FindInstanceReference returns ErrNotFound when absent.
	FindInstanceReference(lineage, referenceID string) (*InstanceReference, error)

	// InsertInstanceReference fails with ErrDuplicateReference when the
	// (lineage, reference ID) pair is taken.
	InsertInstanceReference(ref *InstanceReference) error

	// BindInstanceReference sets the instance of a reserved reference. It
	// returns ErrNotFound when the reference is absent.
	BindInstanceReference(lineage, referenceID, instanceID string) error

	// ReleaseInstanceReference removes one reference by key, if present.
	ReleaseInstanceReference(lineage, referenceID string) error

	// DeleteInstanceReference removes the reference pointing at an
	// instance, if any. An empty instance ID removes nothing.
	DeleteInstanceReference(instanceID string) error

	// DeleteInstanceReferencesByDefinition removes references to
	// instances of a definition.
	DeleteInstanceReferencesByDefinition(definitionID string) (int, error)

	// SaveDefinition inserts or replaces a definition.
	SaveDefinition(d *Definition) error

	// GetDefinition returns ErrNotFound when absent.
	GetDefinition(id string) (*Definition, error)

	// ListDefinitions returns a lineage's definitions, ascending by
	// version, including deleted ones.
	ListDefinitions(lineage, tenantID string) ([]*Definition, error)
}

// Store persists subscriptions transactionally.
// Implementations must be safe for concurrent use.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn in a read-write transaction. An error from fn rolls
	// back every write fn made.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a definition or reference doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateReference indicates the (lineage, reference ID) pair
	// is already bound to an instance.
	ErrDuplicateReference = errors.New("duplicate instance reference")

	// ErrReadOnly indicates a write inside a View transaction.
	ErrReadOnly = errors.New("read-only transaction")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("subscription store closed")
)
