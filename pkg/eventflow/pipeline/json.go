package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// JSONObject is the decoded form used by the JSON stages. Numbers are
// kept as json.Number so integer fields never pass through float64.
type JSONObject = map[string]any

// JSONDeserializer decodes a message body holding a JSON object.
type JSONDeserializer struct{}

// Deserialize implements Deserializer.
func (JSONDeserializer) Deserialize(raw RawMessage) (JSONObject, error) {
	return decodeObject(raw.Body)
}

// JSONFieldKeyDetector reads the event key from a top-level string field.
type JSONFieldKeyDetector struct {
	Field string
}

// DetectEventKey implements KeyDetector.
func (d JSONFieldKeyDetector) DetectEventKey(msg JSONObject) (string, error) {
	return stringField(msg, d.Field)
}

// JSONFieldTenantDetector reads the tenant from a top-level string field.
// A missing field means the event is global.
type JSONFieldTenantDetector struct {
	Field string
}

// DetectTenant implements TenantDetector.
func (d JSONFieldTenantDetector) DetectTenant(msg JSONObject) (string, error) {
	if _, ok := msg[d.Field]; !ok {
		return event.NoTenant, nil
	}
	return stringField(msg, d.Field)
}

// JSONPayloadExtractor maps top-level JSON fields directly onto the
// model's correlation parameters and payload fields.
type JSONPayloadExtractor struct{}

// ExtractPayload implements PayloadExtractor.
func (JSONPayloadExtractor) ExtractPayload(model *event.Model, msg JSONObject) (map[string]event.Value, error) {
	fields := model.PayloadFields()
	payload := make(map[string]event.Value, len(fields))
	for _, f := range fields {
		raw, ok := msg[f.Name]
		if !ok {
			continue
		}
		v, err := event.Coerce(raw, f.Type)
		if err != nil {
			return nil, withField(err, f.Name)
		}
		payload[f.Name] = v
	}
	return payload, nil
}

// JSONFieldContextExtractor reads context from a nested object in the
// message body, e.g. {"headers": {"headerProperty1": "x"}}.
type JSONFieldContextExtractor struct {
	Field string
}

// ExtractContext implements ContextExtractor.
func (e JSONFieldContextExtractor) ExtractContext(raw RawMessage, _ *event.Model) (map[string]any, error) {
	obj, err := decodeObject(raw.Body)
	if err != nil {
		return nil, err
	}
	nested, ok := obj[e.Field]
	if !ok || nested == nil {
		return nil, nil
	}
	m, ok := nested.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %q is %T, not an object", e.Field, nested)
	}
	return m, nil
}

// TransportHeaderContextExtractor exposes the transport headers of the raw
// message as context.
type TransportHeaderContextExtractor struct{}

// ExtractContext implements ContextExtractor.
func (TransportHeaderContextExtractor) ExtractContext(raw RawMessage, _ *event.Model) (map[string]any, error) {
	out := make(map[string]any, len(raw.Headers))
	for k, v := range raw.Headers {
		out[k] = v
	}
	return out, nil
}

// JSONChannel describes a JSON channel the way channel definitions do.
type JSONChannel struct {
	// KeyField holds the event key. Default: "type".
	KeyField string

	// TenantField holds the tenant. Empty disables tenant detection.
	TenantField string

	// HeadersField names a nested body object carrying headers. Empty
	// disables body headers.
	HeadersField string

	// TransportHeaders takes headers from RawMessage.Headers instead.
	TransportHeaders bool

	// Transformer overrides the identity transformer.
	Transformer Transformer
}

// NewJSON builds a pipeline for a JSON channel.
func NewJSON(models ModelResolver, ch JSONChannel) (*Pipeline[JSONObject], error) {
	if ch.KeyField == "" {
		ch.KeyField = "type"
	}
	stages := Stages[JSONObject]{
		Deserializer:     JSONDeserializer{},
		KeyDetector:      JSONFieldKeyDetector{Field: ch.KeyField},
		PayloadExtractor: JSONPayloadExtractor{},
		Transformer:      ch.Transformer,
	}
	if ch.TenantField != "" {
		stages.TenantDetector = JSONFieldTenantDetector{Field: ch.TenantField}
	}
	switch {
	case ch.TransportHeaders:
		stages.ContextExtractor = TransportHeaderContextExtractor{}
	case ch.HeadersField != "":
		stages.ContextExtractor = JSONFieldContextExtractor{Field: ch.HeadersField}
	}
	return New[JSONObject](models, stages)
}

func decodeObject(body []byte) (JSONObject, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj JSONObject
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	if obj == nil {
		return nil, errors.New("decode json object: body is null")
	}
	return obj, nil
}

func stringField(msg JSONObject, field string) (string, error) {
	raw, ok := msg[field]
	if !ok {
		return "", fmt.Errorf("field %q missing", field)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("field %q is %T, not a string", field, raw)
	}
	return s, nil
}
