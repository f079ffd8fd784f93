package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/eventflow/pkg/eventflow"
	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/instance"
	"github.com/randalmurphal/eventflow/pkg/eventflow/jobs"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// app is an engine assembled from a configuration file together with the
// resources it owns.
type app struct {
	engine   *eventflow.Engine
	runtime  *instance.Runtime
	settings config.Settings
	closers  []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, file *config.File, logger *slog.Logger, redeploy bool) (_ *app, err error) {
	a := &app{settings: file.Settings}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := openStore(file.Settings.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	opts := []eventflow.Option{
		eventflow.WithLogger(logger),
		eventflow.WithDispatchMode(file.Settings.DispatchMode),
		eventflow.WithWorkers(file.Settings.Workers),
		eventflow.WithPollInterval(file.Settings.PollInterval),
	}

	var registryOpts []event.RegistryOption
	if file.Settings.TenantFallback {
		registryOpts = append(registryOpts, event.WithTenantFallback())
	}
	opts = append(opts, eventflow.WithRegistry(event.NewRegistry(registryOpts...)))

	runtimeOpts := []instance.Option{instance.WithLogger(logger)}
	for _, d := range file.Definitions {
		runtimeOpts = append(runtimeOpts, instance.WithBehavior(d.Lineage, d.Behavior))
	}
	a.runtime = instance.NewRuntime(store, runtimeOpts...)
	opts = append(opts, eventflow.WithInstanceService(a.runtime))

	if file.Settings.Queue.Driver == config.DriverRedis {
		q := file.Settings.Queue
		queue, err := jobs.NewRedisQueue(ctx, jobs.RedisConfig{Addr: q.Addr, Password: q.Password, DB: q.DB, Key: q.Key})
		if err != nil {
			return nil, fmt.Errorf("connect job queue: %w", err)
		}
		a.closers = append(a.closers, queue.Close)
		opts = append(opts, eventflow.WithQueue(queue))
	}

	a.engine, err = eventflow.New(store, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.engine.Close)

	for _, m := range file.Models {
		if _, err := a.engine.RegisterModel(m); err != nil {
			return nil, fmt.Errorf("register model %s: %w", m.Key, err)
		}
	}
	for _, ch := range file.Channels {
		err := a.engine.RegisterJSONChannel(ch.Key, pipeline.JSONChannel{
			KeyField:         ch.KeyField,
			TenantField:      ch.TenantField,
			HeadersField:     ch.HeadersField,
			TransportHeaders: ch.TransportHeaders,
		})
		if err != nil {
			return nil, err
		}
	}
	for _, d := range file.Definitions {
		if err := a.deploy(ctx, d.Definition, redeploy); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// deploy deploys def unless a persistent store already holds its lineage.
func (a *app) deploy(ctx context.Context, def subscription.Definition, force bool) error {
	if !force {
		var existing []*subscription.Definition
		err := a.engine.Store().View(ctx, func(tx subscription.Tx) error {
			var err error
			existing, err = tx.ListDefinitions(def.Lineage, def.TenantID)
			return err
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
	}
	if _, err := a.engine.Deploy(ctx, def); err != nil {
		return fmt.Errorf("deploy %s: %w", def.Lineage, err)
	}
	return nil
}

func openStore(s config.StoreSettings) (subscription.Store, error) {
	switch s.Driver {
	case config.DriverSQLite:
		return subscription.NewSQLiteStore(s.Path)
	default:
		return subscription.NewMemoryStore(), nil
	}
}

func loadApp(ctx context.Context, flags *globalFlags, logger *slog.Logger) (*app, error) {
	file, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, file, logger, flags.redeploy)
}
