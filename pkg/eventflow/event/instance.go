// Package event holds the event model registry and the canonical event
// shape produced by the inbound pipeline.
//
// Headers and payload fields are typed through a closed Value variant, so
// coercion and correlation equality never see an open dynamic type.
package event

import "sort"

// NoTenant is the tenant sentinel for global (non-tenant) events.
const NoTenant = ""

// Instance is a canonical inbound event. It is produced once per pipeline
// run and never mutated afterwards.
type Instance struct {
	EventKey string           `json:"event_key"`
	TenantID string           `json:"tenant_id,omitempty"`
	Headers  map[string]Value `json:"headers,omitempty"`
	Payload  map[string]Value `json:"payload,omitempty"`
}

// Lookup returns the named value, preferring the payload over headers.
func (e *Instance) Lookup(name string) (Value, bool) {
	if v, ok := e.Payload[name]; ok {
		return v, true
	}
	v, ok := e.Headers[name]
	return v, ok
}

// CorrelationValues returns the model's correlation parameters that are
// present on the event, in declaration order.
func (e *Instance) CorrelationValues(model *Model) []NamedValue {
	if model == nil {
		return nil
	}
	values := make([]NamedValue, 0, len(model.CorrelationParameters))
	for _, p := range model.CorrelationParameters {
		if v, ok := e.Lookup(p.Name); ok {
			values = append(values, NamedValue{Name: p.Name, Value: v})
		}
	}
	return values
}

// HeaderNames returns header names in sorted order.
func (e *Instance) HeaderNames() []string {
	return sortedKeys(e.Headers)
}

// PayloadNames returns payload field names in sorted order.
func (e *Instance) PayloadNames() []string {
	return sortedKeys(e.Payload)
}

// NamedValue pairs a field name with its value.
type NamedValue struct {
	Name  string `json:"name" yaml:"name"`
	Value Value  `json:"value" yaml:"value"`
}

// RegistryEvent is the published form of an inbound event, produced by the
// pipeline's transformer stage.
type RegistryEvent struct {
	Type     string   `json:"type"`
	Instance Instance `json:"instance"`
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
