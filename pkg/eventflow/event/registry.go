package event

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrModelNotFound indicates no event model is registered for a key and
// tenant.
var ErrModelNotFound = errors.New("event model not found")

// modelKey identifies a model lineage within a tenant.
type modelKey struct {
	tenantID string
	key      string
}

// Registry manages event models with version support.
// Implementations are safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	// latest maps (tenant, key) -> latest model
	latest map[modelKey]*Model

	// versions maps (tenant, key) -> version -> model
	versions map[modelKey]map[int]*Model

	tenantFallback bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTenantFallback makes Resolve fall back to the global (no-tenant)
// model when a tenant has no model of its own for a key.
func WithTenantFallback() RegistryOption {
	return func(r *Registry) {
		r.tenantFallback = true
	}
}

// NewRegistry creates an empty event model registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		latest:   make(map[modelKey]*Model),
		versions: make(map[modelKey]map[int]*Model),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an event model. Registering a version that already exists
// for the same tenant and key fails: models are superseded, never edited.
// A zero version is assigned latest+1.
func (r *Registry) Register(model Model) (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mk := modelKey{tenantID: model.TenantID, key: model.Key}
	if model.Version == 0 {
		model.Version = 1
		if cur, ok := r.latest[mk]; ok {
			model.Version = cur.Version + 1
		}
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}

	if r.versions[mk] == nil {
		r.versions[mk] = make(map[int]*Model)
	}
	if _, exists := r.versions[mk][model.Version]; exists {
		return nil, fmt.Errorf("event model %s version %d already registered", model.Key, model.Version)
	}

	stored := cloneModel(model)
	r.versions[mk][stored.Version] = stored

	if cur, ok := r.latest[mk]; !ok || stored.Version > cur.Version {
		r.latest[mk] = stored
	}
	return stored, nil
}

// Resolve returns the latest model for key within tenantID.
func (r *Registry) Resolve(key, tenantID string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.latest[modelKey{tenantID: tenantID, key: key}]; ok {
		return m, nil
	}
	if r.tenantFallback && tenantID != NoTenant {
		if m, ok := r.latest[modelKey{tenantID: NoTenant, key: key}]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: key %q tenant %q", ErrModelNotFound, key, tenantID)
}

// ResolveVersion returns a specific version of a model.
func (r *Registry) ResolveVersion(key, tenantID string, version int) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.versions[modelKey{tenantID: tenantID, key: key}][version]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: key %q tenant %q version %d", ErrModelNotFound, key, tenantID, version)
}

// Has reports whether any version of key exists for tenantID.
func (r *Registry) Has(key, tenantID string) bool {
	_, err := r.Resolve(key, tenantID)
	return err == nil
}

// Versions returns the registered versions of a model, ascending.
func (r *Registry) Versions(key, tenantID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[modelKey{tenantID: tenantID, key: key}]
	result := make([]int, 0, len(versions))
	for v := range versions {
		result = append(result, v)
	}
	sort.Ints(result)
	return result
}

// Keys returns all model keys registered for tenantID, sorted.
func (r *Registry) Keys(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for mk := range r.latest {
		if mk.tenantID == tenantID {
			keys = append(keys, mk.key)
		}
	}
	sort.Strings(keys)
	return keys
}

func cloneModel(m Model) *Model {
	clone := m
	clone.CorrelationParameters = append([]Field(nil), m.CorrelationParameters...)
	clone.Headers = append([]Field(nil), m.Headers...)
	clone.Payload = append([]Field(nil), m.Payload...)
	return &clone
}
