/*
Package eventflow routes inbound messages to new or running workflow
instances by correlation.

# Overview

An Engine ties together the pieces of the event registry:
  - an event model registry (package event) describing typed events
  - per-channel inbound pipelines (package pipeline) turning raw messages
    into canonical events
  - a transactional subscription store (package subscription)
  - the correlation matcher (package correlate)
  - the dispatch gateway (package dispatch) with an async job queue
    (package jobs)
  - the definition lifecycle manager (package lifecycle)

The workflow runtime itself is external and consumed through
dispatch.InstanceService. Package instance provides an in-process runtime
used when none is supplied.

# Basic Usage

	store := subscription.NewMemoryStore()
	engine, err := eventflow.New(store)
	if err != nil {
	    log.Fatal(err)
	}
	defer engine.Close()

	engine.RegisterModel(event.Model{
	    Key:     "myEvent",
	    Version: 1,
	    CorrelationParameters: []event.Field{{Name: "customerId", Type: event.TypeString}},
	})
	engine.RegisterJSONChannel("orders", pipeline.JSONChannel{})

	engine.Deploy(ctx, subscription.Definition{
	    Lineage: "order",
	    StartTriggers: []subscription.StartTrigger{{
	        EventType:         "myEvent",
	        CorrelationValues: []subscription.CorrelationValue{{Name: "customerId", Value: event.String("kermit")}},
	    }},
	})

	receipt, err := engine.EventReceived(ctx, "orders", pipeline.RawMessage{
	    Body: []byte(`{"type": "myEvent", "customerId": "kermit"}`),
	})

# Dispatch Modes

Subscriptions dispatch synchronously by default: the instance is started
or signalled before EventReceived returns. Async subscriptions enqueue a
job instead; call Drain (or Run in the background) to execute them.

	engine, _ := eventflow.New(store, eventflow.WithDispatchMode(subscription.ModeAsync))
	engine.EventReceived(ctx, "orders", msg) // nothing started yet
	engine.Drain(ctx)                        // instance now visible

# Observability

Logging uses log/slog; metrics and tracing use OpenTelemetry and are
disabled (no-op) unless WithMetrics or WithSpans is given.
*/
package eventflow
