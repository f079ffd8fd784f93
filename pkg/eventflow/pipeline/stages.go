// Package pipeline turns one raw inbound message into zero or more
// canonical registry events.
//
// A Pipeline runs a fixed sequence of stages, each one a pluggable
// capability chosen when the channel is configured:
//
//	deserialize -> detect key -> detect tenant -> resolve model
//	  -> extract context -> extract headers -> extract payload -> transform
//
// Any stage failure aborts the message. The pipeline never touches the
// subscription store; correlation happens downstream.
package pipeline

import (
	"context"
	"errors"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// RawMessage is what a transport adapter hands to the pipeline.
type RawMessage struct {
	// Body is the transport payload.
	Body []byte `json:"body"`

	// Headers carries transport-native metadata (broker message
	// properties, HTTP headers).
	Headers map[string]string `json:"headers,omitempty"`
}

// Deserializer turns the raw message into the channel's decoded form.
type Deserializer[T any] interface {
	Deserialize(raw RawMessage) (T, error)
}

// KeyDetector finds the event key in a decoded message.
type KeyDetector[T any] interface {
	DetectEventKey(msg T) (string, error)
}

// TenantDetector finds the tenant of a decoded message.
type TenantDetector[T any] interface {
	DetectTenant(msg T) (string, error)
}

// ContextExtractor pulls transport metadata that is not part of the
// decoded body.
type ContextExtractor interface {
	ExtractContext(raw RawMessage, model *event.Model) (map[string]any, error)
}

// HeaderExtractor builds typed headers from the extracted context.
type HeaderExtractor interface {
	ExtractHeaders(model *event.Model, context map[string]any) (map[string]event.Value, error)
}

// PayloadExtractor pulls declared payload fields out of a decoded message.
type PayloadExtractor[T any] interface {
	ExtractPayload(model *event.Model, msg T) (map[string]event.Value, error)
}

// Transformer turns one canonical event into its published form(s).
type Transformer interface {
	Transform(ctx context.Context, evt event.Instance) ([]event.RegistryEvent, error)
}

// ModelResolver looks up event models. *event.Registry satisfies it.
type ModelResolver interface {
	Resolve(key, tenantID string) (*event.Model, error)
}

// Processor is a channel's pipeline with its message type erased.
type Processor interface {
	Process(ctx context.Context, channelKey string, raw RawMessage) ([]event.RegistryEvent, error)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(ctx context.Context, evt event.Instance) ([]event.RegistryEvent, error)

// Transform implements Transformer.
func (f TransformerFunc) Transform(ctx context.Context, evt event.Instance) ([]event.RegistryEvent, error) {
	return f(ctx, evt)
}

// IdentityTransformer wraps each event into exactly one registry event.
type IdentityTransformer struct{}

// Transform implements Transformer.
func (IdentityTransformer) Transform(_ context.Context, evt event.Instance) ([]event.RegistryEvent, error) {
	return []event.RegistryEvent{{Type: evt.EventKey, Instance: evt}}, nil
}

// DeclaredHeaderExtractor keeps only the headers the model declares,
// coerced to their declared types. Undeclared context keys are ignored and
// missing declared headers stay absent.
type DeclaredHeaderExtractor struct{}

// ExtractHeaders implements HeaderExtractor.
func (DeclaredHeaderExtractor) ExtractHeaders(model *event.Model, context map[string]any) (map[string]event.Value, error) {
	headers := make(map[string]event.Value, len(model.Headers))
	for _, h := range model.Headers {
		raw, ok := context[h.Name]
		if !ok {
			continue
		}
		v, err := event.Coerce(raw, h.Type)
		if err != nil {
			return nil, withField(err, h.Name)
		}
		headers[h.Name] = v
	}
	return headers, nil
}

func withField(err error, field string) error {
	var ce *event.CoercionError
	if errors.As(err, &ce) && ce.Field == "" {
		copied := *ce
		copied.Field = field
		return &copied
	}
	return err
}
