package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Stages selects one implementation per capability. Deserializer,
// KeyDetector and PayloadExtractor are required; the rest are optional.
type Stages[T any] struct {
	Deserializer     Deserializer[T]
	KeyDetector      KeyDetector[T]
	TenantDetector   TenantDetector[T]
	ContextExtractor ContextExtractor
	HeaderExtractor  HeaderExtractor
	PayloadExtractor PayloadExtractor[T]
	Transformer      Transformer
}

// Pipeline is the inbound processing pipeline for one channel.
// Its stages are fixed at construction and it is safe for concurrent use
// as long as the stages are.
type Pipeline[T any] struct {
	models ModelResolver
	stages Stages[T]
}

// New creates a pipeline. Missing optional stages default to
// DeclaredHeaderExtractor and IdentityTransformer.
func New[T any](models ModelResolver, stages Stages[T]) (*Pipeline[T], error) {
	if models == nil {
		return nil, errors.New("pipeline: model resolver is required")
	}
	if stages.Deserializer == nil {
		return nil, errors.New("pipeline: deserializer is required")
	}
	if stages.KeyDetector == nil {
		return nil, errors.New("pipeline: key detector is required")
	}
	if stages.PayloadExtractor == nil {
		return nil, errors.New("pipeline: payload extractor is required")
	}
	if stages.HeaderExtractor == nil {
		stages.HeaderExtractor = DeclaredHeaderExtractor{}
	}
	if stages.Transformer == nil {
		stages.Transformer = IdentityTransformer{}
	}
	return &Pipeline[T]{models: models, stages: stages}, nil
}

// Process implements Processor.
func (p *Pipeline[T]) Process(ctx context.Context, channelKey string, raw RawMessage) ([]event.RegistryEvent, error) {
	evt, err := p.Canonicalize(channelKey, raw)
	if err != nil {
		return nil, err
	}

	events, err := p.stages.Transformer.Transform(ctx, evt)
	if err != nil {
		return nil, fmt.Errorf("channel %s: transform: %w", channelKey, err)
	}
	return events, nil
}

// Canonicalize runs every stage except the transformer.
func (p *Pipeline[T]) Canonicalize(channelKey string, raw RawMessage) (event.Instance, error) {
	msg, err := p.stages.Deserializer.Deserialize(raw)
	if err != nil {
		return event.Instance{}, &DeserializationError{ChannelKey: channelKey, Stage: "deserialize", Err: err}
	}

	key, err := p.stages.KeyDetector.DetectEventKey(msg)
	if err != nil || key == "" {
		return event.Instance{}, &UnknownEventKeyError{ChannelKey: channelKey, Err: err}
	}

	tenantID := event.NoTenant
	if p.stages.TenantDetector != nil {
		tenantID, err = p.stages.TenantDetector.DetectTenant(msg)
		if err != nil {
			return event.Instance{}, &DeserializationError{ChannelKey: channelKey, Stage: "detect tenant", Err: err}
		}
	}

	model, err := p.models.Resolve(key, tenantID)
	if err != nil {
		return event.Instance{}, &UnknownEventModelError{ChannelKey: channelKey, EventKey: key, TenantID: tenantID, Err: err}
	}

	var contextInfo map[string]any
	if p.stages.ContextExtractor != nil {
		contextInfo, err = p.stages.ContextExtractor.ExtractContext(raw, model)
		if err != nil {
			return event.Instance{}, &DeserializationError{ChannelKey: channelKey, Stage: "extract context", Err: err}
		}
	}

	headers, err := p.stages.HeaderExtractor.ExtractHeaders(model, contextInfo)
	if err != nil {
		return event.Instance{}, &DeserializationError{ChannelKey: channelKey, Stage: "extract headers", Err: err}
	}

	payload, err := p.stages.PayloadExtractor.ExtractPayload(model, msg)
	if err != nil {
		return event.Instance{}, &DeserializationError{ChannelKey: channelKey, Stage: "extract payload", Err: err}
	}

	return event.Instance{
		EventKey: model.Key,
		TenantID: tenantID,
		Headers:  headers,
		Payload:  payload,
	}, nil
}

// Channels maps channel keys to their processors. Each channel's pipeline
// is resolved once at registration and reused for every message.
type Channels struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewChannels creates an empty channel registry.
func NewChannels() *Channels {
	return &Channels{processors: make(map[string]Processor)}
}

// Register adds a channel. Registering an existing key replaces it.
func (c *Channels) Register(channelKey string, p Processor) error {
	if channelKey == "" {
		return errors.New("channel key is required")
	}
	if p == nil {
		return fmt.Errorf("channel %s: processor is required", channelKey)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processors[channelKey] = p
	return nil
}

// Get returns the processor for channelKey.
func (c *Channels) Get(channelKey string) (Processor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.processors[channelKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelKey)
	}
	return p, nil
}
