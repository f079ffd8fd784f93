package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind identifies which alternative a Value holds.
type Kind uint8

// Value kinds.
const (
	KindNull Kind = iota
	KindString
	KindInteger
	KindDouble
	KindBoolean
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindBoolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// Value is a closed variant used for headers, payload fields and
// correlation literals. The zero Value is null.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Integer returns an integer value.
func Integer(i int64) Value { return Value{kind: KindInteger, i: i} }

// Double returns a double value.
func Double(f float64) Value { return Value{kind: KindDouble, f: f} }

// Boolean returns a boolean value.
func Boolean(b bool) Value { return Value{kind: KindBoolean, b: b} }

// Kind returns the alternative held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string alternative and whether v holds one.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// Int returns the integer alternative and whether v holds one.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInteger }

// Float returns the double alternative and whether v holds one.
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindDouble }

// Bool returns the boolean alternative and whether v holds one.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBoolean }

// Native returns the value as a plain Go value (string, int64, float64,
// bool or nil).
func (v Value) Native() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInteger:
		return v.i
	case KindDouble:
		return v.f
	case KindBoolean:
		return v.b
	default:
		return nil
	}
}

// Equal reports whether two values are equal. Integers and doubles compare
// numerically; every other pairing requires the same kind.
func (v Value) Equal(o Value) bool {
	switch {
	case v.kind == KindInteger && o.kind == KindDouble:
		return intEqualsDouble(v.i, o.f)
	case v.kind == KindDouble && o.kind == KindInteger:
		return intEqualsDouble(o.i, v.f)
	case v.kind != o.kind:
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInteger:
		return v.i == o.i
	case KindDouble:
		return v.f == o.f
	case KindBoolean:
		return v.b == o.b
	default:
		return true
	}
}

// Canonical returns a kind-tagged text form. Values that are Equal have
// the same canonical form.
func (v Value) Canonical() string {
	switch v.kind {
	case KindString:
		return "s:" + v.s
	case KindInteger:
		return "n:" + strconv.FormatInt(v.i, 10)
	case KindDouble:
		if i, ok := doubleAsInt(v.f); ok {
			return "n:" + strconv.FormatInt(i, 10)
		}
		return "n:" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBoolean:
		return "b:" + strconv.FormatBool(v.b)
	default:
		return "null"
	}
}

// doubleAsInt converts f to an int64 when it is integral and in range.
func doubleAsInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// intEqualsDouble compares exactly, without rounding i to a float64.
func intEqualsDouble(i int64, f float64) bool {
	n, ok := doubleAsInt(f)
	return ok && n == i
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.s)
	case KindNull:
		return "null"
	default:
		return fmt.Sprint(v.Native())
	}
}

// MarshalJSON encodes the value as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON decodes a JSON scalar. Numbers without a fraction or
// exponent decode as integers.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// UnmarshalYAML decodes a YAML scalar using its resolved tag.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: value must be a scalar", node.Line)
	}
	switch node.ShortTag() {
	case "!!null":
		*v = Null()
	case "!!bool":
		b, err := strconv.ParseBool(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = Boolean(b)
	case "!!int", "!!float":
		parsed, err := numberValue(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = parsed
	default:
		*v = String(node.Value)
	}
	return nil
}

// FromNative converts a decoded JSON/YAML scalar or Go primitive into a
// Value. Composite values are rejected.
func FromNative(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Boolean(val), nil
	case int:
		return Integer(int64(val)), nil
	case int32:
		return Integer(int64(val)), nil
	case int64:
		return Integer(val), nil
	case uint32:
		return Integer(int64(val)), nil
	case float32:
		return Double(float64(val)), nil
	case float64:
		return Double(val), nil
	case json.Number:
		return numberValue(val.String())
	default:
		return Null(), fmt.Errorf("unsupported value type %T", raw)
	}
}

func numberValue(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Integer(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Null(), fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Double(f), nil
}
