package event

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FieldType is the declared type of a header, payload field or
// correlation parameter.
type FieldType string

// Declared field types.
const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeDouble  FieldType = "double"
	TypeBoolean FieldType = "boolean"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeDouble, TypeBoolean:
		return true
	}
	return false
}

// Field is a named, typed declaration on an event model.
type Field struct {
	Name string    `json:"name" yaml:"name"`
	Type FieldType `json:"type" yaml:"type"`
}

// CoercionError reports a raw value that cannot be converted to its
// declared type.
type CoercionError struct {
	Field string
	Type  FieldType
	Raw   any
}

// Error implements the error interface.
func (e *CoercionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("field %s: cannot coerce %v (%T) to %s", e.Field, e.Raw, e.Raw, e.Type)
	}
	return fmt.Sprintf("cannot coerce %v (%T) to %s", e.Raw, e.Raw, e.Type)
}

// Coerce converts a raw decoded value into a Value of the declared type.
// A nil raw value always yields null.
//
// Accepts:
//   - string: any scalar, formatted as text
//   - integer: integral numbers, or text parsing as a base-10 integer
//   - double: numbers, or text parsing as a float
//   - boolean: bools, or text accepted by strconv.ParseBool
func Coerce(raw any, t FieldType) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	if v, ok := raw.(Value); ok {
		if v.IsNull() {
			return v, nil
		}
		raw = v.Native()
	}

	fail := func() (Value, error) {
		return Null(), &CoercionError{Type: t, Raw: raw}
	}

	switch t {
	case TypeString:
		switch val := raw.(type) {
		case string:
			return String(val), nil
		case json.Number:
			return String(val.String()), nil
		case bool, int, int32, int64, float32, float64:
			return String(fmt.Sprint(val)), nil
		}
		return fail()

	case TypeInteger:
		switch val := raw.(type) {
		case int:
			return Integer(int64(val)), nil
		case int32:
			return Integer(int64(val)), nil
		case int64:
			return Integer(val), nil
		case float64:
			if val == math.Trunc(val) {
				return Integer(int64(val)), nil
			}
		case json.Number:
			if i, err := val.Int64(); err == nil {
				return Integer(i), nil
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
				return Integer(i), nil
			}
		}
		return fail()

	case TypeDouble:
		switch val := raw.(type) {
		case float64:
			return Double(val), nil
		case float32:
			return Double(float64(val)), nil
		case int:
			return Double(float64(val)), nil
		case int64:
			return Double(float64(val)), nil
		case json.Number:
			if f, err := val.Float64(); err == nil {
				return Double(f), nil
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return Double(f), nil
			}
		}
		return fail()

	case TypeBoolean:
		switch val := raw.(type) {
		case bool:
			return Boolean(val), nil
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
				return Boolean(b), nil
			}
		}
		return fail()
	}

	return fail()
}

// Model describes one version of an event type. Models are immutable once
// registered; a new version with the same key supersedes the old one.
type Model struct {
	Key                   string  `json:"key" yaml:"key"`
	TenantID              string  `json:"tenant_id,omitempty" yaml:"tenant_id"`
	Version               int     `json:"version" yaml:"version"`
	CorrelationParameters []Field `json:"correlation_parameters,omitempty" yaml:"correlation_parameters"`
	Headers               []Field `json:"headers,omitempty" yaml:"headers"`
	Payload               []Field `json:"payload,omitempty" yaml:"payload"`
}

// Header returns the declared header with the given name.
func (m *Model) Header(name string) (Field, bool) {
	return findField(m.Headers, name)
}

// PayloadField returns the declared payload field with the given name.
// Correlation parameters count as payload fields.
func (m *Model) PayloadField(name string) (Field, bool) {
	if f, ok := findField(m.Payload, name); ok {
		return f, true
	}
	return findField(m.CorrelationParameters, name)
}

// CorrelationParameter returns the declared correlation parameter.
func (m *Model) CorrelationParameter(name string) (Field, bool) {
	return findField(m.CorrelationParameters, name)
}

// PayloadFields returns correlation parameters followed by the payload
// fields not already declared as correlation parameters.
func (m *Model) PayloadFields() []Field {
	fields := make([]Field, 0, len(m.CorrelationParameters)+len(m.Payload))
	fields = append(fields, m.CorrelationParameters...)
	for _, f := range m.Payload {
		if _, dup := findField(m.CorrelationParameters, f.Name); !dup {
			fields = append(fields, f)
		}
	}
	return fields
}

// Validate checks the model declaration.
func (m *Model) Validate() error {
	if m.Key == "" {
		return fmt.Errorf("event model key is required")
	}
	if m.Version <= 0 {
		return fmt.Errorf("event model %s: version must be positive", m.Key)
	}
	for _, group := range [][]Field{m.CorrelationParameters, m.Headers, m.Payload} {
		seen := make(map[string]bool, len(group))
		for _, f := range group {
			if f.Name == "" {
				return fmt.Errorf("event model %s: field name is required", m.Key)
			}
			if !f.Type.Valid() {
				return fmt.Errorf("event model %s: field %s has unknown type %q", m.Key, f.Name, f.Type)
			}
			if seen[f.Name] {
				return fmt.Errorf("event model %s: duplicate field %s", m.Key, f.Name)
			}
			seen[f.Name] = true
		}
	}
	return nil
}

func findField(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
