// Package engine runs one tenant's trading control loop: each tick it pulls
// candles, asks the strategy for a signal, deduplicates and risk-checks it,
// executes through the broker and books the fill.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/autotrader/internal/broker"
	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/idempotency"
	"github.com/atmx/autotrader/internal/ledger"
	"github.com/atmx/autotrader/internal/metrics"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/risk"
	"github.com/atmx/autotrader/internal/store"
	"github.com/atmx/autotrader/internal/strategy"
)

// ErrorNotifyInterval is the minimum gap between two error notifications.
const ErrorNotifyInterval = 60 * time.Second

// ConfigLoader resolves a tenant's runtime configuration.
type ConfigLoader interface {
	Load(ctx context.Context, tenantID string) (config.RuntimeConfig, error)
}

// Notifier enqueues an operator message without blocking.
type Notifier interface {
	Send(channel, text string)
}

// Deps are the collaborators of an Engine. Guard and Risk default to
// instances over Store; Strategy defaults to MovingAverageATR.
type Deps struct {
	Broker   broker.Broker
	Store    store.Store
	Config   ConfigLoader
	Notifier Notifier
	Strategy strategy.Strategy
	Guard    *idempotency.Guard
	Risk     *risk.Engine
}

// Engine is the control loop of one tenant. RunOnce and Run must not be
// called concurrently on the same Engine.
type Engine struct {
	tenantID string
	broker   broker.Broker
	store    store.Store
	configs  ConfigLoader
	notifier Notifier
	strategy strategy.Strategy
	guard    *idempotency.Guard
	risk     *risk.Engine
	now      func() time.Time
	log      *slog.Logger

	lastErrorNotify time.Time
	summaryDay      int64
	summaryStarted  bool
}

// New creates the engine for tenantID.
func New(tenantID string, d Deps) *Engine {
	if d.Strategy == nil {
		d.Strategy = strategy.MovingAverageATR{}
	}
	if d.Guard == nil {
		d.Guard = idempotency.NewGuard(d.Store, idempotency.DefaultMaxKeys)
	}
	if d.Risk == nil {
		d.Risk = risk.NewEngine(d.Store)
	}
	return &Engine{
		tenantID: tenantID,
		broker:   d.Broker,
		store:    d.Store,
		configs:  d.Config,
		notifier: d.Notifier,
		strategy: d.Strategy,
		guard:    d.Guard,
		risk:     d.Risk,
		now:      time.Now,
		log:      slog.With("tenant", tenantID),
	}
}

// SetClock overrides the clock of the engine and its risk checks.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.risk.SetClock(now)
}

// Run ticks on every timeframe boundary until ctx is cancelled. A failed
// tick is recorded and never ends the loop.
func (e *Engine) Run(ctx context.Context) error {
	metrics.ActiveEngines.Inc()
	defer metrics.ActiveEngines.Dec()

	e.log.Info("engine loop started")
	defer e.log.Info("engine loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = e.RunOnce(ctx)

		now := e.now()
		wait := NextTick(now, e.period(ctx)).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// NextTick returns the first period boundary strictly after now.
func NextTick(now time.Time, period time.Duration) time.Time {
	sec := int64(period / time.Second)
	if sec <= 0 {
		sec = 60
	}
	n := now.Unix()
	return time.Unix((n/sec+1)*sec, 0).UTC()
}

func (e *Engine) period(ctx context.Context) time.Duration {
	cfg, err := e.configs.Load(ctx, e.tenantID)
	if err != nil {
		return time.Minute
	}
	d, err := model.TimeframePeriod(cfg.Timeframe)
	if err != nil {
		return time.Minute
	}
	return d
}

// RunOnce executes a single tick. Paused and killed tenants do nothing
// beyond reconciling the kill switch. The returned error has already been
// recorded in the engine state.
func (e *Engine) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine panic", "panic", r, "stack", string(debug.Stack()))
			err = e.fail(ctx, "", fmt.Errorf("engine panic: %v", r))
		}
	}()

	cfg, err := e.configs.Load(ctx, e.tenantID)
	if err != nil {
		return e.fail(ctx, "", err)
	}
	state, err := e.store.GetEngineState(ctx, e.tenantID)
	if err != nil {
		return e.fail(ctx, cfg.NotifyChannel, err)
	}

	e.maybeDailySummary(ctx, cfg.NotifyChannel)

	switch {
	case state.KillSwitch:
		if !state.Paused {
			if err := e.store.UpdateEngineState(ctx, e.tenantID, model.WithPaused(true)); err != nil {
				return e.fail(ctx, cfg.NotifyChannel, err)
			}
			e.log.Warn("kill switch observed, engine paused")
		}
		metrics.TicksTotal.WithLabelValues("killed").Inc()
		return nil
	case state.Paused:
		metrics.TicksTotal.WithLabelValues("paused").Inc()
		return nil
	}

	start := time.Now()
	err = e.tick(ctx, cfg)
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return e.fail(ctx, cfg.NotifyChannel, err)
	}
	metrics.TicksTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) tick(ctx context.Context, cfg config.RuntimeConfig) error {
	positions, err := e.store.ListPositions(ctx, e.tenantID)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	open := 0
	for _, p := range positions {
		if p.Open() {
			open++
		}
	}

	for _, symbol := range cfg.Symbols {
		if err := e.processSymbol(ctx, cfg, symbol, open); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processSymbol(ctx context.Context, cfg config.RuntimeConfig, symbol string, openPositions int) error {
	candles, err := e.broker.FetchCandles(ctx, symbol, cfg.Timeframe, broker.DefaultCandleLimit)
	if err != nil {
		return fmt.Errorf("fetch candles %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return nil
	}
	last := candles[len(candles)-1]
	if err := e.store.UpdateEngineState(ctx, e.tenantID, model.WithLastCandleTS(last.Timestamp)); err != nil {
		return fmt.Errorf("record last candle: %w", err)
	}

	signal := e.strategy.Generate(candles, cfg)
	if signal == nil {
		return nil
	}

	key := idempotency.Key(symbol, last.Timestamp, signal.Side)
	fresh, err := e.guard.CheckAndAdd(ctx, e.tenantID, key)
	if err != nil {
		return err
	}
	if !fresh {
		e.log.Info("idempotency hit", "key", key)
		return nil
	}

	spread, err := e.broker.GetSpread(ctx, symbol)
	if err != nil {
		return fmt.Errorf("get spread %s: %w", symbol, err)
	}
	decision, err := e.risk.Evaluate(ctx, e.tenantID, symbol, *signal, last.Close, openPositions, cfg, spread)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return e.reject(ctx, cfg, symbol, decision)
	}

	return e.execute(ctx, cfg, model.OrderIntent{
		Symbol:   symbol,
		Side:     signal.Side,
		Quantity: decision.Quantity,
		StopLoss: signal.StopLoss,
	})
}

func (e *Engine) reject(ctx context.Context, cfg config.RuntimeConfig, symbol string, d risk.Decision) error {
	reason := d.Reason
	if reason == "" {
		reason = "risk blocked"
	}
	event := &model.RiskEvent{
		ID:        uuid.NewString(),
		TenantID:  e.tenantID,
		Reason:    reason,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.InsertRiskEvent(ctx, event); err != nil {
		return fmt.Errorf("record risk event: %w", err)
	}
	e.log.Info("risk blocked", "symbol", symbol, "kind", d.Kind, "reason", reason)

	if d.CircuitBreaker {
		if err := e.store.UpdateEngineState(ctx, e.tenantID, model.WithKilled(true)); err != nil {
			return fmt.Errorf("engage kill switch: %w", err)
		}
		metrics.CircuitBreakerTrips.Inc()
		e.log.Warn("circuit breaker tripped, kill switch engaged", "reason", reason)
	}
	e.notify(cfg.NotifyChannel, "Risk blocked: "+reason)
	return nil
}

func (e *Engine) execute(ctx context.Context, cfg config.RuntimeConfig, intent model.OrderIntent) error {
	start := time.Now()
	fill, err := e.broker.PlaceOrder(ctx, intent)
	metrics.OrderLatency.WithLabelValues(cfg.Adapter).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("place order %s %s: %w", intent.Side, intent.Symbol, err)
	}

	trade := &model.TradeRecord{
		ID:        uuid.NewString(),
		TenantID:  e.tenantID,
		Symbol:    fill.Symbol,
		Side:      fill.Side,
		Quantity:  fill.Quantity,
		Price:     fill.Price,
		Mode:      cfg.Mode,
		Adapter:   cfg.Adapter,
		OrderID:   fill.OrderID,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		return fmt.Errorf("record trade %s: %w", fill.OrderID, err)
	}
	metrics.TradesTotal.WithLabelValues(string(fill.Side)).Inc()

	positions, err := e.store.ListPositions(ctx, e.tenantID)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	var existing *model.Position
	for i := range positions {
		if positions[i].Symbol == fill.Symbol {
			existing = &positions[i]
			break
		}
	}
	if err := e.store.UpsertPosition(ctx, e.tenantID, ledger.ApplyFill(existing, fill)); err != nil {
		return fmt.Errorf("update position %s: %w", fill.Symbol, err)
	}

	e.log.Info("trade executed",
		"trade_id", trade.ID, "order_id", fill.OrderID, "symbol", fill.Symbol,
		"side", fill.Side, "qty", fill.Quantity, "price", fill.Price)
	e.notify(cfg.NotifyChannel, fmt.Sprintf("Trade executed: %s %s %v @ %v", fill.Symbol, fill.Side, fill.Quantity, fill.Price))
	return nil
}

// fail records a tick error and notifies at most once per
// ErrorNotifyInterval.
func (e *Engine) fail(ctx context.Context, channel string, err error) error {
	metrics.TicksTotal.WithLabelValues("error").Inc()
	e.log.Error("engine error", "err", err)

	if errors.Is(err, context.Canceled) {
		return err
	}
	if serr := e.store.UpdateEngineState(ctx, e.tenantID, model.WithLastError(err.Error())); serr != nil {
		e.log.Error("record last error", "err", serr)
	}

	now := e.now()
	if now.Sub(e.lastErrorNotify) > ErrorNotifyInterval {
		e.notify(channel, "Engine error: "+err.Error())
		e.lastErrorNotify = now
	}
	return err
}

// maybeDailySummary sends the trade count once the UTC day changes. The
// first tick only records the day.
func (e *Engine) maybeDailySummary(ctx context.Context, channel string) {
	now := e.now()
	day := now.Unix() / 86400
	if !e.summaryStarted {
		e.summaryStarted, e.summaryDay = true, day
		return
	}
	if day == e.summaryDay {
		return
	}
	e.summaryDay = day

	since := model.DayStart(now)
	ctx = context.WithoutCancel(ctx)
	go func() {
		trades, err := e.store.ListTradesSince(ctx, e.tenantID, since)
		if err != nil {
			e.log.Error("daily summary", "err", err)
			return
		}
		e.notify(channel, fmt.Sprintf("Daily summary: %d trades", len(trades)))
	}()
}

func (e *Engine) notify(channel, text string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Send(channel, text)
}
