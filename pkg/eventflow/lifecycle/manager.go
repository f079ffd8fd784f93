// Package lifecycle keeps start subscriptions in step with definition
// deployments.
//
// For each lineage with at least one live (non-deleted) version, the
// latest live version owns exactly one start subscription per declared
// start trigger, and no other version owns any. A lineage without live
// versions has no start subscriptions. Every transition verifies this
// before committing and refuses to commit when it does not hold.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// Event is a lifecycle transition fed to Manager.Apply.
type Event interface {
	lifecycleEvent()
}

// DefinitionDeployed announces a new definition version.
type DefinitionDeployed struct {
	Definition subscription.Definition
}

// DefinitionDeleted announces the deletion of one definition version.
// Cascade also removes the version's running instances.
type DefinitionDeleted struct {
	DefinitionID string
	Cascade      bool
}

func (DefinitionDeployed) lifecycleEvent() {}
func (DefinitionDeleted) lifecycleEvent()  {}

// Transition kinds reported in Result.
const (
	TransitionDeploy        = "deploy"
	TransitionDelete        = "delete"
	TransitionCascadeDelete = "cascade_delete"
)

// Result describes what a transition changed.
type Result struct {
	Transition string
	Definition *subscription.Definition

	// Latest is the lineage's latest live version afterwards, or nil.
	Latest *subscription.Definition

	Created int
	Removed int
}

// InstanceTerminator removes the running instances of a definition on
// cascading delete.
type InstanceTerminator interface {
	TerminateInstances(ctx context.Context, definitionID string) (int, error)
}

// Sentinel errors.
var (
	ErrInvariantViolation = errors.New("lifecycle invariant violation")
	ErrInvalidDefinition  = errors.New("invalid definition")
	ErrStaleVersion       = errors.New("version is not newer than the latest deployed version")
	ErrAlreadyDeleted     = errors.New("definition already deleted")
)

// InvariantViolationError reports a lineage whose start subscriptions do
// not match its latest live version. It is never repaired automatically.
type InvariantViolationError struct {
	Lineage  string
	TenantID string
	Reason   string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("lineage %q tenant %q: %s", e.Lineage, e.TenantID, e.Reason)
}

// Is matches ErrInvariantViolation.
func (e *InvariantViolationError) Is(target error) bool { return target == ErrInvariantViolation }

// Category implements eferrors.Categorizer.
func (e *InvariantViolationError) Category() eferrors.Category { return eferrors.CategoryPermanent }

// Option configures a Manager.
type Option func(*Manager)

// WithTerminator sets the instance terminator used by cascading deletes.
func WithTerminator(t InstanceTerminator) Option {
	return func(m *Manager) { m.terminator = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the deployment timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager applies lifecycle transitions to a subscription store.
type Manager struct {
	store      subscription.Store
	terminator InstanceTerminator
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(store subscription.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply dispatches a lifecycle event.
func (m *Manager) Apply(ctx context.Context, evt Event) (*Result, error) {
	switch e := evt.(type) {
	case DefinitionDeployed:
		return m.Deploy(ctx, e.Definition)
	case DefinitionDeleted:
		return m.Delete(ctx, e.DefinitionID, e.Cascade)
	default:
		return nil, fmt.Errorf("unknown lifecycle event %T", evt)
	}
}

// Deploy stores a new definition version, gives it start subscriptions
// and removes the previous latest version's start subscriptions. Instance
// subscriptions are untouched. A zero Version is assigned latest+1.
func (m *Manager) Deploy(ctx context.Context, def subscription.Definition) (*Result, error) {
	if err := validate(&def); err != nil {
		observability.LogLifecycleError(m.logger, TransitionDeploy, def.ID, err)
		return nil, err
	}

	res := &Result{Transition: TransitionDeploy}
	err := m.store.Update(ctx, func(tx subscription.Tx) error {
		defs, err := tx.ListDefinitions(def.Lineage, def.TenantID)
		if err != nil {
			return err
		}

		highest := 0
		for _, d := range defs {
			highest = max(highest, d.Version)
		}
		if def.Version == 0 {
			def.Version = highest + 1
		} else if def.Version <= highest {
			return fmt.Errorf("%w: lineage %q version %d, latest %d", ErrStaleVersion, def.Lineage, def.Version, highest)
		}
		if def.ID == "" {
			def.ID = DefinitionID(def.Lineage, def.TenantID, def.Version)
		}
		if _, err := tx.GetDefinition(def.ID); err == nil {
			return fmt.Errorf("%w: id %q already exists", ErrInvalidDefinition, def.ID)
		} else if !errors.Is(err, subscription.ErrNotFound) {
			return err
		}
		def.Deleted = false
		def.DeployedAt = m.now()

		if err := tx.SaveDefinition(&def); err != nil {
			return err
		}
		if previous := latestLive(defs); previous != nil {
			if res.Removed, err = tx.DeleteStartSubscriptions(previous.ID); err != nil {
				return err
			}
		}
		if res.Created, err = createStartSubscriptions(tx, &def); err != nil {
			return err
		}

		res.Definition = def.Clone()
		res.Latest = res.Definition
		return VerifyLineage(tx, def.Lineage, def.TenantID)
	})
	if err != nil {
		observability.LogLifecycleError(m.logger, TransitionDeploy, def.ID, err)
		return nil, err
	}
	observability.LogLifecycle(m.logger, res.Transition, def.Lineage, def.ID, res.Created, res.Removed)
	return res, nil
}

// Delete marks a definition version deleted.
//
// Deleting the latest live version hands the start subscriptions to the
// new latest live version. Without cascade, instance subscriptions and
// instance references of the deleted version keep working for its running
// instances. With cascade, its instances are terminated first and their
// subscriptions and references are removed.
func (m *Manager) Delete(ctx context.Context, definitionID string, cascade bool) (*Result, error) {
	transition := TransitionDelete
	if cascade {
		transition = TransitionCascadeDelete
	}
	fail := func(err error) (*Result, error) {
		observability.LogLifecycleError(m.logger, transition, definitionID, err)
		return nil, err
	}

	if cascade && m.terminator != nil {
		// Instances are terminated outside the store transaction because
		// the runtime writes to the store while stopping them.
		err := m.store.View(ctx, func(tx subscription.Tx) error {
			d, err := tx.GetDefinition(definitionID)
			if err != nil {
				return err
			}
			if d.Deleted {
				return fmt.Errorf("%w: %s", ErrAlreadyDeleted, definitionID)
			}
			return nil
		})
		if err != nil {
			return fail(err)
		}
		if _, err := m.terminator.TerminateInstances(ctx, definitionID); err != nil {
			return fail(fmt.Errorf("terminate instances of %s: %w", definitionID, err))
		}
	}

	res := &Result{Transition: transition}
	err := m.store.Update(ctx, func(tx subscription.Tx) error {
		def, err := tx.GetDefinition(definitionID)
		if err != nil {
			return err
		}
		if def.Deleted {
			return fmt.Errorf("%w: %s", ErrAlreadyDeleted, definitionID)
		}

		defs, err := tx.ListDefinitions(def.Lineage, def.TenantID)
		if err != nil {
			return err
		}
		previous := latestLive(defs)

		def.Deleted = true
		if err := tx.SaveDefinition(def); err != nil {
			return err
		}
		if res.Removed, err = tx.DeleteStartSubscriptions(def.ID); err != nil {
			return err
		}
		if cascade {
			n, err := tx.DeleteSubscriptionsByScopeDefinition(def.ID)
			if err != nil {
				return err
			}
			res.Removed += n
			if _, err := tx.DeleteInstanceReferencesByDefinition(def.ID); err != nil {
				return err
			}
		}

		for _, d := range defs {
			if d.ID == def.ID {
				d.Deleted = true
			}
		}
		latest := latestLive(defs)
		if previous != nil && previous.ID == def.ID && latest != nil {
			existing, err := tx.ListSubscriptions(subscription.Filter{ScopeDefinitionID: latest.ID, StartOnly: true})
			if err != nil {
				return err
			}
			if len(existing) == 0 {
				if res.Created, err = createStartSubscriptions(tx, latest); err != nil {
					return err
				}
			}
		}

		res.Definition = def
		res.Latest = latest
		return VerifyLineage(tx, def.Lineage, def.TenantID)
	})
	if err != nil {
		return fail(err)
	}
	observability.LogLifecycle(m.logger, transition, res.Definition.Lineage, definitionID, res.Created, res.Removed)
	return res, nil
}

// VerifyLineage checks the start-subscription invariant for one lineage.
func VerifyLineage(tx subscription.Tx, lineage, tenantID string) error {
	defs, err := tx.ListDefinitions(lineage, tenantID)
	if err != nil {
		return err
	}
	latest := latestLive(defs)

	for _, d := range defs {
		subs, err := tx.ListSubscriptions(subscription.Filter{ScopeDefinitionID: d.ID, StartOnly: true})
		if err != nil {
			return err
		}
		if latest == nil || d.ID != latest.ID {
			if len(subs) > 0 {
				return &InvariantViolationError{Lineage: lineage, TenantID: tenantID,
					Reason: fmt.Sprintf("version %d is not the latest live version but owns %d start subscriptions", d.Version, len(subs))}
			}
			continue
		}
		if len(subs) != len(d.StartTriggers) {
			return &InvariantViolationError{Lineage: lineage, TenantID: tenantID,
				Reason: fmt.Sprintf("latest version %d declares %d start triggers but owns %d start subscriptions", d.Version, len(d.StartTriggers), len(subs))}
		}
		seen := make(map[string]bool, len(subs))
		for _, s := range subs {
			if seen[s.EventType] {
				return &InvariantViolationError{Lineage: lineage, TenantID: tenantID,
					Reason: fmt.Sprintf("latest version %d owns two start subscriptions for %q", d.Version, s.EventType)}
			}
			seen[s.EventType] = true
		}
	}
	return nil
}

// StartSubscriptions returns the start subscriptions of every version of
// a lineage.
func StartSubscriptions(tx subscription.Tx, lineage, tenantID string) ([]*subscription.Subscription, error) {
	defs, err := tx.ListDefinitions(lineage, tenantID)
	if err != nil {
		return nil, err
	}
	var out []*subscription.Subscription
	for _, d := range defs {
		subs, err := tx.ListSubscriptions(subscription.Filter{ScopeDefinitionID: d.ID, StartOnly: true})
		if err != nil {
			return nil, err
		}
		out = append(out, subs...)
	}
	return out, nil
}

// DefinitionID builds the default ID of a definition version.
func DefinitionID(lineage, tenantID string, version int) string {
	if tenantID == event.NoTenant {
		return fmt.Sprintf("%s:%d", lineage, version)
	}
	return fmt.Sprintf("%s/%s:%d", tenantID, lineage, version)
}

func validate(def *subscription.Definition) error {
	if def.Lineage == "" {
		return fmt.Errorf("%w: lineage is required", ErrInvalidDefinition)
	}
	if def.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalidDefinition, def.Version)
	}
	if def.ScopeType == "" {
		def.ScopeType = subscription.ScopeProcess
	}
	seen := make(map[string]bool, len(def.StartTriggers))
	for _, t := range def.StartTriggers {
		if t.EventType == "" {
			return fmt.Errorf("%w: start trigger without event type", ErrInvalidDefinition)
		}
		if seen[t.EventType] {
			return fmt.Errorf("%w: duplicate start trigger for %q", ErrInvalidDefinition, t.EventType)
		}
		seen[t.EventType] = true
	}
	return nil
}

func latestLive(defs []*subscription.Definition) *subscription.Definition {
	var latest *subscription.Definition
	for _, d := range defs {
		if !d.Deleted && (latest == nil || d.Version > latest.Version) {
			latest = d
		}
	}
	return latest
}

func createStartSubscriptions(tx subscription.Tx, def *subscription.Definition) (int, error) {
	for _, t := range def.StartTriggers {
		err := tx.InsertSubscription(&subscription.Subscription{
			EventType:         t.EventType,
			TenantID:          def.TenantID,
			ScopeType:         def.ScopeType,
			ScopeDefinitionID: def.ID,
			CorrelationValues: t.CorrelationValues,
			Configuration:     t.Configuration,
		})
		if err != nil {
			return 0, fmt.Errorf("create start subscription for %q: %w", t.EventType, err)
		}
	}
	return len(def.StartTriggers), nil
}
