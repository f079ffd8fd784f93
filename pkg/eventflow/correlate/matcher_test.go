package correlate_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventflow/pkg/eventflow/correlate"
	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

type fixture struct {
	registry *event.Registry
	store    *subscription.MemoryStore
	matcher  *correlate.Matcher
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := event.NewRegistry()
	_, err := registry.Register(event.Model{
		Key:     "myEvent",
		Version: 1,
		CorrelationParameters: []event.Field{
			{Name: "customerId", Type: event.TypeString},
			{Name: "orderId", Type: event.TypeString},
		},
		Headers: []event.Field{{Name: "region", Type: event.TypeString}},
		Payload: []event.Field{{Name: "payload1", Type: event.TypeString}},
	})
	require.NoError(t, err)

	store := subscription.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	f := &fixture{
		registry: registry,
		store:    store,
		matcher:  correlate.NewMatcher(registry, correlate.WithLogger(logger)),
		logs:     logs,
	}
	f.definition(t, "order:1", "order")
	return f
}

func (f *fixture) definition(t *testing.T, id, lineage string) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(tx subscription.Tx) error {
		return tx.SaveDefinition(&subscription.Definition{ID: id, Lineage: lineage, Version: 1})
	}))
}

func (f *fixture) subscribe(t *testing.T, sub *subscription.Subscription) *subscription.Subscription {
	t.Helper()
	if sub.EventType == "" {
		sub.EventType = "myEvent"
	}
	if sub.ScopeDefinitionID == "" {
		sub.ScopeDefinitionID = "order:1"
	}
	require.NoError(t, f.store.Update(context.Background(), func(tx subscription.Tx) error {
		return tx.InsertSubscription(sub)
	}))
	return sub
}

func (f *fixture) match(t *testing.T, evt event.Instance) []correlate.Match {
	t.Helper()
	var matches []correlate.Match
	require.NoError(t, f.store.View(context.Background(), func(tx subscription.Tx) error {
		var err error
		matches, err = f.matcher.Match(context.Background(), tx, evt)
		return err
	}))
	return matches
}

func cv(name, value string) subscription.CorrelationValue {
	return subscription.CorrelationValue{Name: name, Value: event.String(value)}
}

func myEvent(payload map[string]string) event.Instance {
	evt := event.Instance{EventKey: "myEvent", Payload: map[string]event.Value{}}
	for k, v := range payload {
		evt.Payload[k] = event.String(v)
	}
	return evt
}

func subIDs(matches []correlate.Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Subscription.ID
	}
	return out
}

func TestMatch_UnconditionalListener(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, &subscription.Subscription{})

	payloads := []map[string]string{
		{},
		{"customerId": "kermit"},
		{"customerId": "gonzo", "orderId": "order1"},
		{"payload1": "anything"},
	}
	fired := 0
	for i := 0; i < 10; i++ {
		matches := f.match(t, myEvent(payloads[i%len(payloads)]))
		require.Len(t, matches, 1)
		assert.Equal(t, correlate.ActionStart, matches[0].Action.Kind)
		fired++
	}
	assert.Equal(t, 10, fired)
}

func TestMatch_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, &subscription.Subscription{TenantID: "acme"})

	assert.Empty(t, f.match(t, myEvent(nil)), "global event must not fire a tenant subscription")

	acme := myEvent(nil)
	acme.TenantID = "acme"
	_, err := f.registry.Register(event.Model{Key: "myEvent", TenantID: "acme", Version: 1})
	require.NoError(t, err)
	assert.Len(t, f.match(t, acme), 1)

	globex := myEvent(nil)
	globex.TenantID = "globex"
	assert.Empty(t, f.match(t, globex))
}

func TestMatch_ExactCorrelation(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, &subscription.Subscription{
		CorrelationValues: []subscription.CorrelationValue{cv("customerId", "kermit")},
	})

	assert.Equal(t, []string{sub.ID}, subIDs(f.match(t, myEvent(map[string]string{"customerId": "kermit"}))))
	assert.Empty(t, f.match(t, myEvent(map[string]string{"customerId": "gonzo"})))
	assert.Empty(t, f.match(t, myEvent(map[string]string{"orderId": "order1"})))
}

func TestMatch_HeaderCorrelationAndPayloadPrecedence(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, &subscription.Subscription{
		CorrelationValues: []subscription.CorrelationValue{cv("region", "eu")},
	})

	evt := myEvent(nil)
	evt.Headers = map[string]event.Value{"region": event.String("eu")}
	assert.Equal(t, []string{sub.ID}, subIDs(f.match(t, evt)))

	evt.Payload["region"] = event.String("us")
	assert.Empty(t, f.match(t, evt), "payload shadows the header of the same name")
}

func TestMatch_NumericEquality(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, &subscription.Subscription{
		CorrelationValues: []subscription.CorrelationValue{{Name: "amount", Value: event.Integer(3)}},
	})

	evt := myEvent(nil)
	evt.Payload["amount"] = event.Double(3)
	assert.Len(t, f.match(t, evt), 1)

	evt.Payload["amount"] = event.String("3")
	assert.Empty(t, f.match(t, evt))
}

func TestMatch_IndependentMultiSubscriptionFiring(t *testing.T) {
	f := newFixture(t)
	s0 := f.subscribe(t, &subscription.Subscription{})
	s1 := f.subscribe(t, &subscription.Subscription{
		CorrelationValues: []subscription.CorrelationValue{cv("customerId", "kermit")},
	})
	s2 := f.subscribe(t, &subscription.Subscription{
		CorrelationValues: []subscription.CorrelationValue{cv("orderId", "order1")},
	})
	s3 := f.subscribe(t, &subscription.Subscription{
		CorrelationValues: []subscription.CorrelationValue{cv("customerId", "kermit"), cv("orderId", "order1")},
	})

	matches := f.match(t, myEvent(map[string]string{"customerId": "kermit", "orderId": "order1"}))
	assert.Equal(t, []string{s0.ID, s1.ID, s2.ID, s3.ID}, subIDs(matches))

	matches = f.match(t, myEvent(map[string]string{"customerId": "kermit", "orderId": "order2"}))
	assert.Equal(t, []string{s0.ID, s1.ID}, subIDs(matches))

	matches = f.match(t, myEvent(map[string]string{"customerId": "gonzo", "orderId": "order1"}))
	assert.Equal(t, []string{s0.ID, s2.ID}, subIDs(matches))
}

func TestMatch_InstanceSubscriptionSignals(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, &subscription.Subscription{
		ScopeID:           "instance-1",
		CorrelationValues: []subscription.CorrelationValue{cv("customerId", "kermit")},
	})

	matches := f.match(t, myEvent(map[string]string{"customerId": "kermit"}))
	require.Len(t, matches, 1)
	assert.Equal(t, correlate.Action{Kind: correlate.ActionSignal, InstanceID: "instance-1"}, matches[0].Action)
}

func TestMatch_DedupConvertsStartToSignal(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, &subscription.Subscription{
		Configuration: subscription.Configuration{OnlyOneInstance: true},
	})

	kermit := myEvent(map[string]string{"customerId": "kermit"})
	matches := f.match(t, kermit)
	require.Len(t, matches, 1)
	action := matches[0].Action
	assert.Equal(t, correlate.ActionStart, action.Kind)
	assert.Equal(t, "order", action.Lineage)
	assert.True(t, action.Deduplicated())

	require.NoError(t, f.store.Update(context.Background(), func(tx subscription.Tx) error {
		return tx.InsertInstanceReference(&subscription.InstanceReference{
			Lineage:       action.Lineage,
			ReferenceID:   action.ReferenceID,
			ReferenceType: subscription.ReferenceTypeEventInstance,
			InstanceID:    "instance-kermit",
			DefinitionID:  "order:1",
		})
	}))

	for i := 0; i < 3; i++ {
		matches = f.match(t, kermit)
		require.Len(t, matches, 1)
		assert.Equal(t, correlate.ActionSignal, matches[0].Action.Kind)
		assert.Equal(t, "instance-kermit", matches[0].Action.InstanceID)
	}

	gonzo := f.match(t, myEvent(map[string]string{"customerId": "gonzo"}))
	require.Len(t, gonzo, 1)
	assert.Equal(t, correlate.ActionStart, gonzo[0].Action.Kind)
	assert.NotEqual(t, action.ReferenceID, gonzo[0].Action.ReferenceID)
}

func TestMatch_DedupPendingReservationStaysStart(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, &subscription.Subscription{
		Configuration: subscription.Configuration{OnlyOneInstance: true},
	})
	kermit := myEvent(map[string]string{"customerId": "kermit"})
	first := f.match(t, kermit)
	require.Len(t, first, 1)

	require.NoError(t, f.store.Update(context.Background(), func(tx subscription.Tx) error {
		return tx.InsertInstanceReference(&subscription.InstanceReference{
			Lineage:      first[0].Action.Lineage,
			ReferenceID:  first[0].Action.ReferenceID,
			DefinitionID: "order:1",
		})
	}))

	matches := f.match(t, kermit)
	require.Len(t, matches, 1)
	assert.Equal(t, correlate.ActionStart, matches[0].Action.Kind)
	assert.Empty(t, matches[0].Action.InstanceID)
	assert.True(t, matches[0].Action.Deduplicated())
}

func TestMatch_DedupScopedPerLineage(t *testing.T) {
	f := newFixture(t)
	f.definition(t, "order:2", "order")
	f.definition(t, "invoice:1", "invoice")

	v1 := myEvent(map[string]string{"customerId": "kermit"})
	refID := correlate.ReferenceID(v1.CorrelationValues(mustModel(t, f.registry)))
	require.NoError(t, f.store.Update(context.Background(), func(tx subscription.Tx) error {
		return tx.InsertInstanceReference(&subscription.InstanceReference{
			Lineage: "order", ReferenceID: refID, InstanceID: "started-by-v1", DefinitionID: "order:1",
		})
	}))

	f.subscribe(t, &subscription.Subscription{
		ScopeDefinitionID: "order:2",
		Configuration:     subscription.Configuration{OnlyOneInstance: true},
	})
	f.subscribe(t, &subscription.Subscription{
		ScopeDefinitionID: "invoice:1",
		Configuration:     subscription.Configuration{OnlyOneInstance: true},
	})

	matches := f.match(t, v1)
	require.Len(t, matches, 2)
	assert.Equal(t, correlate.ActionSignal, matches[0].Action.Kind, "a later version of the lineage reuses the instance")
	assert.Equal(t, "started-by-v1", matches[0].Action.InstanceID)
	assert.Equal(t, correlate.ActionStart, matches[1].Action.Kind, "another lineage is independent")
}

func TestMatch_StaleSubscriptionSkipped(t *testing.T) {
	f := newFixture(t)
	stale := f.subscribe(t, &subscription.Subscription{ScopeDefinitionID: "gone:1"})
	live := f.subscribe(t, &subscription.Subscription{})

	matches := f.match(t, myEvent(nil))
	assert.Equal(t, []string{live.ID}, subIDs(matches))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.SplitN(f.logs.Bytes(), []byte("\n"), 2)[0], &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, stale.ID, rec["subscription_id"])
}

func TestMatch_UnresolvableModelIsStale(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, &subscription.Subscription{EventType: "unknownEvent"})

	assert.Empty(t, f.match(t, event.Instance{EventKey: "unknownEvent"}))
	assert.Contains(t, f.logs.String(), "stale subscription skipped")
}

func TestStaleSubscriptionError(t *testing.T) {
	err := &correlate.StaleSubscriptionError{SubscriptionID: "s", DefinitionID: "d", Err: subscription.ErrNotFound}
	assert.ErrorIs(t, err, correlate.ErrStaleSubscription)
	assert.ErrorIs(t, err, subscription.ErrNotFound)
	assert.Equal(t, eferrors.CategoryPermanent, eferrors.Categorize(err))
}

func TestReferenceID(t *testing.T) {
	a := correlate.ReferenceID([]event.NamedValue{{Name: "customerId", Value: event.String("kermit")}})
	b := correlate.ReferenceID([]event.NamedValue{{Name: "customerId", Value: event.String("kermit")}})
	c := correlate.ReferenceID([]event.NamedValue{{Name: "customerId", Value: event.String("gonzo")}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	num := correlate.ReferenceID([]event.NamedValue{{Name: "n", Value: event.Integer(3)}})
	dbl := correlate.ReferenceID([]event.NamedValue{{Name: "n", Value: event.Double(3)}})
	str := correlate.ReferenceID([]event.NamedValue{{Name: "n", Value: event.String("3")}})
	assert.Equal(t, num, dbl)
	assert.NotEqual(t, num, str)
}

func TestActionKind_Text(t *testing.T) {
	data, err := json.Marshal(correlate.Action{Kind: correlate.ActionSignal, InstanceID: "i"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"signal","instance_id":"i"}`, string(data))

	var a correlate.Action
	require.NoError(t, json.Unmarshal(data, &a))
	assert.Equal(t, correlate.ActionSignal, a.Kind)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"explode"}`), &a))
}

func mustModel(t *testing.T, registry *event.Registry) *event.Model {
	t.Helper()
	m, err := registry.Resolve("myEvent", event.NoTenant)
	require.NoError(t, err)
	return m
}
