package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
)

func testRegistry(t *testing.T) *event.Registry {
	t.Helper()
	registry := event.NewRegistry()
	_, err := registry.Register(event.Model{
		Key:     "myEvent",
		Version: 1,
		CorrelationParameters: []event.Field{
			{Name: "customerId", Type: event.TypeString},
			{Name: "orderId", Type: event.TypeString},
		},
		Headers: []event.Field{
			{Name: "headerProperty1", Type: event.TypeString},
			{Name: "headerProperty2", Type: event.TypeInteger},
		},
		Payload: []event.Field{
			{Name: "payload1", Type: event.TypeString},
			{Name: "payload2", Type: event.TypeInteger},
		},
	})
	require.NoError(t, err)
	return registry
}

func body(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestPipeline_JSONChannel(t *testing.T) {
	p, err := pipeline.NewJSON(testRegistry(t), pipeline.JSONChannel{HeadersField: "headers"})
	require.NoError(t, err)

	raw := pipeline.RawMessage{Body: body(t, map[string]any{
		"type":       "myEvent",
		"customerId": "kermit",
		"payload1":   "Hello World",
		"payload2":   42,
		"undeclared": "ignored",
		"headers": map[string]any{
			"headerProperty1": "testHeader",
			"headerProperty2": "1234",
			"notDeclared":     "dropped",
		},
	})}

	events, err := p.Process(context.Background(), "test-channel", raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0].Instance
	assert.Equal(t, "myEvent", events[0].Type)
	assert.Equal(t, "myEvent", evt.EventKey)
	assert.Equal(t, event.NoTenant, evt.TenantID)

	assert.Equal(t, []string{"customerId", "payload1", "payload2"}, evt.PayloadNames())
	assert.True(t, evt.Payload["payload2"].Equal(event.Integer(42)))
	assert.Equal(t, event.KindInteger, evt.Payload["payload2"].Kind())

	assert.Equal(t, []string{"headerProperty1", "headerProperty2"}, evt.HeaderNames())
	h2 := evt.Headers["headerProperty2"]
	i, ok := h2.Int()
	require.True(t, ok, "header declared integer must be an integer, got %s", h2.Kind())
	assert.Equal(t, int64(1234), i)
}

func TestPipeline_MissingDeclaredHeaderIsAbsent(t *testing.T) {
	p, err := pipeline.NewJSON(testRegistry(t), pipeline.JSONChannel{HeadersField: "headers"})
	require.NoError(t, err)

	events, err := p.Process(context.Background(), "c", pipeline.RawMessage{Body: body(t, map[string]any{
		"type":    "myEvent",
		"headers": map[string]any{"headerProperty1": "only"},
	})})
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, present := events[0].Instance.Headers["headerProperty2"]
	assert.False(t, present)
}

func TestPipeline_TransportHeaders(t *testing.T) {
	p, err := pipeline.NewJSON(testRegistry(t), pipeline.JSONChannel{TransportHeaders: true})
	require.NoError(t, err)

	events, err := p.Process(context.Background(), "c", pipeline.RawMessage{
		Body:    body(t, map[string]any{"type": "myEvent"}),
		Headers: map[string]string{"headerProperty2": "77", "x-broker-id": "ignored"},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Instance.Headers["headerProperty2"].Equal(event.Integer(77)))
	assert.Len(t, events[0].Instance.Headers, 1)
}

func TestPipeline_TenantDetection(t *testing.T) {
	registry := testRegistry(t)
	_, err := registry.Register(event.Model{Key: "myEvent", TenantID: "acme", Version: 1,
		CorrelationParameters: []event.Field{{Name: "customerId", Type: event.TypeString}}})
	require.NoError(t, err)

	p, err := pipeline.NewJSON(registry, pipeline.JSONChannel{TenantField: "tenant"})
	require.NoError(t, err)

	events, err := p.Process(context.Background(), "c", pipeline.RawMessage{Body: body(t, map[string]any{
		"type": "myEvent", "tenant": "acme", "customerId": "kermit",
	})})
	require.NoError(t, err)
	assert.Equal(t, "acme", events[0].Instance.TenantID)

	// No tenant field: the event is global.
	events, err = p.Process(context.Background(), "c", pipeline.RawMessage{Body: body(t, map[string]any{
		"type": "myEvent",
	})})
	require.NoError(t, err)
	assert.Equal(t, event.NoTenant, events[0].Instance.TenantID)
}

func TestPipeline_Errors(t *testing.T) {
	p, err := pipeline.NewJSON(testRegistry(t), pipeline.JSONChannel{HeadersField: "headers", TenantField: "tenant"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   []byte
		target error
	}{
		{name: "malformed json", body: []byte(`{not json`), target: pipeline.ErrDeserialization},
		{name: "null body", body: []byte(`null`), target: pipeline.ErrDeserialization},
		{name: "missing key", body: []byte(`{"customerId":"kermit"}`), target: pipeline.ErrUnknownEventKey},
		{name: "non-string key", body: []byte(`{"type":12}`), target: pipeline.ErrUnknownEventKey},
		{name: "unknown model", body: []byte(`{"type":"otherEvent"}`), target: pipeline.ErrUnknownEventModel},
		{name: "unknown tenant model", body: []byte(`{"type":"myEvent","tenant":"globex"}`), target: pipeline.ErrUnknownEventModel},
		{name: "bad tenant", body: []byte(`{"type":"myEvent","tenant":5}`), target: pipeline.ErrDeserialization},
		{name: "bad header coercion", body: []byte(`{"type":"myEvent","headers":{"headerProperty2":"abc"}}`), target: pipeline.ErrDeserialization},
		{name: "bad payload coercion", body: []byte(`{"type":"myEvent","payload2":"x"}`), target: pipeline.ErrDeserialization},
		{name: "headers not object", body: []byte(`{"type":"myEvent","headers":"h"}`), target: pipeline.ErrDeserialization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := p.Process(context.Background(), "c", pipeline.RawMessage{Body: tt.body})
			require.Error(t, err)
			assert.Nil(t, events)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, eferrors.CategoryPermanent, eferrors.Categorize(err))
		})
	}
}

func TestPipeline_CoercionErrorNamesField(t *testing.T) {
	p, err := pipeline.NewJSON(testRegistry(t), pipeline.JSONChannel{})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), "c", pipeline.RawMessage{Body: []byte(`{"type":"myEvent","payload2":"x"}`)})
	var ce *event.CoercionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "payload2", ce.Field)
}

func TestPipeline_FanOutTransformer(t *testing.T) {
	fanOut := pipeline.TransformerFunc(func(_ context.Context, evt event.Instance) ([]event.RegistryEvent, error) {
		return []event.RegistryEvent{
			{Type: evt.EventKey, Instance: evt},
			{Type: evt.EventKey + ".audit", Instance: evt},
		}, nil
	})
	p, err := pipeline.NewJSON(testRegistry(t), pipeline.JSONChannel{Transformer: fanOut})
	require.NoError(t, err)

	events, err := p.Process(context.Background(), "c", pipeline.RawMessage{Body: []byte(`{"type":"myEvent"}`)})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "myEvent.audit", events[1].Type)
}

func TestPipeline_TransformerError(t *testing.T) {
	boom := errors.New("boom")
	p, err := pipeline.NewJSON(testRegistry(t), pipeline.JSONChannel{
		Transformer: pipeline.TransformerFunc(func(context.Context, event.Instance) ([]event.RegistryEvent, error) {
			return nil, boom
		}),
	})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), "c", pipeline.RawMessage{Body: []byte(`{"type":"myEvent"}`)})
	assert.ErrorIs(t, err, boom)
}

func TestNew_RequiresStages(t *testing.T) {
	registry := testRegistry(t)

	_, err := pipeline.New[pipeline.JSONObject](nil, pipeline.Stages[pipeline.JSONObject]{})
	assert.Error(t, err)

	_, err = pipeline.New(registry, pipeline.Stages[pipeline.JSONObject]{
		Deserializer: pipeline.JSONDeserializer{},
	})
	assert.Error(t, err)

	_, err = pipeline.New(registry, pipeline.Stages[pipeline.JSONObject]{
		Deserializer:     pipeline.JSONDeserializer{},
		KeyDetector:      pipeline.JSONFieldKeyDetector{Field: "type"},
		PayloadExtractor: pipeline.JSONPayloadExtractor{},
	})
	assert.NoError(t, err)
}

func TestChannels(t *testing.T) {
	channels := pipeline.NewChannels()
	p, err := pipeline.NewJSON(testRegistry(t), pipeline.JSONChannel{})
	require.NoError(t, err)

	require.NoError(t, channels.Register("test-channel", p))
	assert.Error(t, channels.Register("", p))
	assert.Error(t, channels.Register("nil-channel", nil))

	got, err := channels.Get("test-channel")
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = channels.Get("missing")
	assert.ErrorIs(t, err, pipeline.ErrUnknownChannel)
}
