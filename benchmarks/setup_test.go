package benchmarks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/eventflow/pkg/eventflow"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/instance"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var orderModel = event.Model{
	Key:     "myEvent",
	Version: 1,
	CorrelationParameters: []event.Field{
		{Name: "customerId", Type: event.TypeString},
	},
	Headers: []event.Field{
		{Name: "headerProperty2", Type: event.TypeInteger},
	},
}

func newRegistry(b *testing.B) *event.Registry {
	b.Helper()
	reg := event.NewRegistry()
	if _, err := reg.Register(orderModel); err != nil {
		b.Fatal(err)
	}
	return reg
}

func createSQLiteStore(b *testing.B) *subscription.SQLiteStore {
	b.Helper()
	store, err := subscription.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })
	return store
}

// seedInstanceSubscriptions adds n instance subscriptions for myEvent, each
// correlated on its own customer.
func seedInstanceSubscriptions(b *testing.B, store subscription.Store, n int) {
	b.Helper()
	err := store.Update(context.Background(), func(tx subscription.Tx) error {
		if err := tx.SaveDefinition(&subscription.Definition{
			ID: "order:1", Lineage: "order", Version: 1, ScopeType: subscription.ScopeProcess,
		}); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			err := tx.InsertSubscription(&subscription.Subscription{
				EventType:         "myEvent",
				ScopeType:         subscription.ScopeProcess,
				ScopeDefinitionID: "order:1",
				ScopeID:           fmt.Sprintf("instance-%d", i),
				CorrelationValues: []subscription.CorrelationValue{
					{Name: "customerId", Value: event.String(customer(i))},
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Fatal(err)
	}
}

func customer(i int) string {
	return fmt.Sprintf("customer-%d", i)
}

func orderEvent(i int) event.Instance {
	return event.Instance{
		EventKey: "myEvent",
		Payload:  map[string]event.Value{"customerId": event.String(customer(i))},
	}
}

func orderMessage(i int) pipeline.RawMessage {
	return pipeline.RawMessage{
		Body: []byte(fmt.Sprintf(`{"type":"myEvent","customerId":%q,"headers":{"headerProperty2":"%d"}}`, customer(i), i)),
	}
}

// newEngine builds an engine with one deduplicated order definition.
func newEngine(b *testing.B, store subscription.Store, opts ...eventflow.Option) (*eventflow.Engine, *instance.Runtime) {
	b.Helper()
	rt := instance.NewRuntime(store, instance.WithLogger(quiet))
	opts = append([]eventflow.Option{
		eventflow.WithLogger(quiet),
		eventflow.WithInstanceService(rt),
	}, opts...)
	engine, err := eventflow.New(store, opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = engine.Close() })

	if _, err := engine.RegisterModel(orderModel); err != nil {
		b.Fatal(err)
	}
	if err := engine.RegisterJSONChannel("orders", pipeline.JSONChannel{HeadersField: "headers"}); err != nil {
		b.Fatal(err)
	}
	_, err = engine.Deploy(context.Background(), subscription.Definition{
		Lineage: "order",
		StartTriggers: []subscription.StartTrigger{{
			EventType:     "myEvent",
			Configuration: subscription.Configuration{OnlyOneInstance: true},
		}},
	})
	if err != nil {
		b.Fatal(err)
	}
	return engine, rt
}
