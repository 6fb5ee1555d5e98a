// Package orchestrator supervises at most one engine control loop per
// tenant and maps operator commands onto engine state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/atmx/autotrader/internal/broker"
	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/engine"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/store"
	"github.com/atmx/autotrader/internal/strategy"
)

// ErrKilled is returned by Start while the tenant's kill switch is set.
var ErrKilled = errors.New("orchestrator: kill switch engaged, resume first")

// BrokerFactory builds the broker for a tenant configuration.
type BrokerFactory func(cfg config.RuntimeConfig, creds broker.Credentials) (broker.Broker, error)

// Options configure an Orchestrator.
type Options struct {
	Vault *Vault
	// Brokers defaults to broker.New with BrokerOptions.
	Brokers       BrokerFactory
	BrokerOptions broker.Options
	Strategy      strategy.Strategy
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Orchestrator owns the live control loops.
type Orchestrator struct {
	store    store.Store
	configs  *config.Service
	notifier engine.Notifier
	vault    *Vault
	brokers  BrokerFactory
	strategy strategy.Strategy

	base   context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
}

// New creates an orchestrator. Loops it starts outlive the request that
// started them and end on Stop or Shutdown.
func New(st store.Store, configs *config.Service, notifier engine.Notifier, opts Options) *Orchestrator {
	if opts.Vault == nil {
		opts.Vault = NewVault(st, nil)
	}
	if opts.Brokers == nil {
		bopts := opts.BrokerOptions
		opts.Brokers = func(cfg config.RuntimeConfig, creds broker.Credentials) (broker.Broker, error) {
			o := bopts
			o.SymbolMap = cfg.SymbolMap
			return broker.New(cfg.Mode, cfg.Adapter, creds, o)
		}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    st,
		configs:  configs,
		notifier: notifier,
		vault:    opts.Vault,
		brokers:  opts.Brokers,
		strategy: opts.Strategy,
		base:     base,
		cancel:   cancel,
		tasks:    make(map[string]*task),
	}
}

// Start launches the tenant's loop unless one is already running.
func (o *Orchestrator) Start(ctx context.Context, tenantID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.tasks[tenantID]; ok && !t.finished() {
		return nil
	}

	state, err := o.store.GetEngineState(ctx, tenantID)
	if err != nil {
		return err
	}
	if state.KillSwitch {
		return ErrKilled
	}

	cfg, err := o.configs.Load(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	creds, err := o.vault.Get(ctx, tenantID, cfg.Adapter)
	if err != nil {
		return err
	}
	b, err := o.brokers(cfg, creds)
	if err != nil {
		return fmt.Errorf("build broker for %s: %w", tenantID, err)
	}

	if err := o.store.UpdateEngineState(ctx, tenantID, model.WithPaused(false)); err != nil {
		return err
	}

	eng := engine.New(tenantID, engine.Deps{
		Broker:   b,
		Store:    o.store,
		Config:   o.configs,
		Notifier: o.notifier,
		Strategy: o.strategy,
	})
	taskCtx, cancel := context.WithCancel(o.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	o.tasks[tenantID] = t
	go func() {
		defer close(t.done)
		eng.Run(taskCtx)
	}()

	slog.Info("engine started", "tenant", tenantID, "adapter", cfg.Adapter, "mode", cfg.Mode)
	return nil
}

// Pause stops trading from the next tick; the loop keeps running idle.
func (o *Orchestrator) Pause(ctx context.Context, tenantID string) error {
	if err := o.store.UpdateEngineState(ctx, tenantID, model.WithPaused(true)); err != nil {
		return err
	}
	slog.Info("engine paused", "tenant", tenantID)
	return nil
}

// Kill engages the kill switch; only Resume clears it.
func (o *Orchestrator) Kill(ctx context.Context, tenantID string) error {
	if err := o.store.UpdateEngineState(ctx, tenantID, model.WithKilled(true)); err != nil {
		return err
	}
	slog.Warn("kill switch engaged", "tenant", tenantID)
	return nil
}

// Resume clears the kill switch and starts the loop.
func (o *Orchestrator) Resume(ctx context.Context, tenantID string) error {
	off := false
	if err := o.store.UpdateEngineState(ctx, tenantID, model.StatePatch{KillSwitch: &off, Paused: &off}); err != nil {
		return err
	}
	return o.Start(ctx, tenantID)
}

// Stop cancels the tenant's loop, waits for it to exit and marks the tenant
// paused. Writes already committed by an in-flight tick stand.
func (o *Orchestrator) Stop(ctx context.Context, tenantID string) error {
	o.mu.Lock()
	t, ok := o.tasks[tenantID]
	delete(o.tasks, tenantID)
	o.mu.Unlock()

	if ok {
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := o.store.UpdateEngineState(ctx, tenantID, model.WithPaused(true)); err != nil {
		return err
	}
	slog.Info("engine stopped", "tenant", tenantID)
	return nil
}

// Running reports whether the tenant has a live loop.
func (o *Orchestrator) Running(tenantID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[tenantID]
	return ok && !t.finished()
}

// Tenants lists tenants with a live loop.
func (o *Orchestrator) Tenants() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []string
	for id, t := range o.tasks {
		if !t.finished() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Autostart restarts every tenant whose persisted state is running.
func (o *Orchestrator) Autostart(ctx context.Context) error {
	ids, err := o.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		state, err := o.store.GetEngineState(ctx, id)
		if err != nil {
			return err
		}
		if state.RunState() != model.StateRunning {
			continue
		}
		if err := o.Start(ctx, id); err != nil {
			slog.Error("autostart failed", "tenant", id, "err", err)
		}
	}
	return nil
}

// Shutdown cancels every loop and waits for them to exit. Persisted state
// is left as is so Autostart can pick tenants up again.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	o.mu.Lock()
	tasks := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
