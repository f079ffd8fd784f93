package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory subscription store for tests and single
// process use. Data is lost when the process exits.
//
// Update works on a private copy of the state that replaces the live state
// only when fn succeeds, so readers never observe a partial transaction.
type MemoryStore struct {
	mu     sync.RWMutex
	state  *memState
	closed bool
}

type refKey struct {
	lineage     string
	referenceID string
}

type memState struct {
	subscriptions []*Subscription
	references    map[refKey]*InstanceReference
	definitions   map[string]*Definition
}

func (s *memState) clone() *memState {
	c := &memState{
		subscriptions: make([]*Subscription, len(s.subscriptions)),
		references:    make(map[refKey]*InstanceReference, len(s.references)),
		definitions:   make(map[string]*Definition, len(s.definitions)),
	}
	copy(c.subscriptions, s.subscriptions)
	for k, v := range s.references {
		c.references[k] = v
	}
	for k, v := range s.definitions {
		c.definitions[k] = v
	}
	return c
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			references:  make(map[refKey]*InstanceReference),
			definitions: make(map[string]*Definition),
		},
	}
}

// View implements Store.
func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrStoreClosed
	}
	return fn(&memTx{state: m.state})
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	working := m.state.clone()
	if err := fn(&memTx{state: working, writable: true}); err != nil {
		return err
	}
	m.state = working
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memTx operates on one state snapshot. Stored values are never mutated in
// place; writes replace pointers in the working copy.
type memTx struct {
	state    *memState
	writable bool
}

func (t *memTx) checkWritable() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) FindSubscriptions(eventType, tenantID string) ([]*Subscription, error) {
	return t.ListSubscriptions(Filter{EventType: eventType, TenantID: &tenantID})
}

func (t *memTx) ListSubscriptions(filter Filter) ([]*Subscription, error) {
	var result []*Subscription
	for _, s := range t.state.subscriptions {
		if filter.Matches(s) {
			result = append(result, s.Clone())
		}
	}
	return result, nil
}

func (t *memTx) InsertSubscription(s *Subscription) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if s.EventType == "" {
		return fmt.Errorf("insert subscription: event type is required")
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	for _, existing := range t.state.subscriptions {
		if existing.ID == s.ID {
			return fmt.Errorf("insert subscription: id %s already exists", s.ID)
		}
	}
	t.state.subscriptions = append(t.state.subscriptions, s.Clone())
	return nil
}

func (t *memTx) deleteSubscriptions(match func(*Subscription) bool) int {
	kept := t.state.subscriptions[:0:0]
	removed := 0
	for _, s := range t.state.subscriptions {
		if match(s) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	t.state.subscriptions = kept
	return removed
}

func (t *memTx) DeleteSubscriptionsByScopeDefinition(definitionID string) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	return t.deleteSubscriptions(func(s *Subscription) bool {
		return s.ScopeDefinitionID == definitionID
	}), nil
}

func (t *memTx) DeleteStartSubscriptions(definitionID string) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	return t.deleteSubscriptions(func(s *Subscription) bool {
		return s.ScopeDefinitionID == definitionID && s.IsStart()
	}), nil
}

func (t *memTx) DeleteSubscriptionsByScope(scopeID string) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	if scopeID == "" {
		return 0, nil
	}
	return t.deleteSubscriptions(func(s *Subscription) bool {
		return s.ScopeID == scopeID
	}), nil
}

func (t *memTx) DeleteSubscription(id string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.deleteSubscriptions(func(s *Subscription) bool { return s.ID == id })
	return nil
}

func (t *memTx) FindInstanceReference(lineage, referenceID string) (*InstanceReference, error) {
	ref, ok := t.state.references[refKey{lineage: lineage, referenceID: referenceID}]
	if !ok {
		return nil, ErrNotFound
	}
	c := *ref
	return &c, nil
}

func (t *memTx) InsertInstanceReference(ref *InstanceReference) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	k := refKey{lineage: ref.Lineage, referenceID: ref.ReferenceID}
	if _, exists := t.state.references[k]; exists {
		return fmt.Errorf("%w: lineage %s reference %s", ErrDuplicateReference, ref.Lineage, ref.ReferenceID)
	}
	c := *ref
	t.state.references[k] = &c
	return nil
}

func (t *memTx) BindInstanceReference(lineage, referenceID, instanceID string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	k := refKey{lineage: lineage, referenceID: referenceID}
	ref, ok := t.state.references[k]
	if !ok {
		return ErrNotFound
	}
	c := *ref
	c.InstanceID = instanceID
	t.state.references[k] = &c
	return nil
}

func (t *memTx) ReleaseInstanceReference(lineage, referenceID string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	delete(t.state.references, refKey{lineage: lineage, referenceID: referenceID})
	return nil
}

func (t *memTx) DeleteInstanceReference(instanceID string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if instanceID == "" {
		return nil
	}
	for k, ref := range t.state.references {
		if ref.InstanceID == instanceID {
			delete(t.state.references, k)
		}
	}
	return nil
}

func (t *memTx) DeleteInstanceReferencesByDefinition(definitionID string) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	removed := 0
	for k, ref := range t.state.references {
		if ref.DefinitionID == definitionID {
			delete(t.state.references, k)
			removed++
		}
	}
	return removed, nil
}

func (t *memTx) SaveDefinition(d *Definition) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if d.ID == "" {
		return fmt.Errorf("save definition: id is required")
	}
	t.state.definitions[d.ID] = d.Clone()
	return nil
}

func (t *memTx) GetDefinition(id string) (*Definition, error) {
	d, ok := t.state.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (t *memTx) ListDefinitions(lineage, tenantID string) ([]*Definition, error) {
	var result []*Definition
	for _, d := range t.state.definitions {
		if d.Lineage == lineage && d.TenantID == tenantID {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result, nil
}
