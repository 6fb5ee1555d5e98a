package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/risk"
	"github.com/atmx/autotrader/internal/store"
)

var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func baseConfig() config.RuntimeConfig {
	cfg := config.Defaults().Runtime()
	cfg.MaxSpread = 0.0001
	cfg.MaxTradesPerDay = 5
	cfg.MaxOpenPositions = 1
	cfg.MaxDailyLossPct = 2
	cfg.RiskPerTradePct = 1
	return cfg
}

func newEngine(st store.Store) *risk.Engine {
	e := risk.NewEngine(st)
	e.SetClock(func() time.Time { return noon })
	return e
}

func addTrade(t *testing.T, st store.Store, side model.Side, qty, price float64, at time.Time) {
	t.Helper()
	require.NoError(t, st.InsertTrade(context.Background(), &model.TradeRecord{
		ID: at.String() + string(side), TenantID: "alice", Symbol: "BTCUSDT",
		Side: side, Quantity: qty, Price: price, Mode: "paper", Adapter: "paper", CreatedAt: at,
	}))
}

var buy = model.Signal{Side: model.Buy, StopLoss: 90}

func TestSpreadTooHigh(t *testing.T) {
	e := newEngine(store.NewMemoryStore())
	d, err := e.Evaluate(context.Background(), "alice", "BTCUSDT", buy, 100, 0, baseConfig(), 0.01)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Spread too high: 0.010000", d.Reason)
	assert.Equal(t, risk.KindSpread, d.Kind)
}

func TestMaxOpenPositions(t *testing.T) {
	e := newEngine(store.NewMemoryStore())
	d, err := e.Evaluate(context.Background(), "alice", "BTCUSDT", buy, 100, 1, baseConfig(), 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Max open positions reached", d.Reason)
}

func TestMaxTradesPerDay(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := baseConfig()
	cfg.MaxTradesPerDay = 2
	addTrade(t, st, model.Buy, 1, 100, noon.Add(-time.Hour))
	addTrade(t, st, model.Buy, 1, 100, noon.Add(-30*time.Minute))

	d, err := newEngine(st).Evaluate(context.Background(), "alice", "BTCUSDT", buy, 100, 0, cfg, 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Max trades per day reached", d.Reason)
	assert.False(t, d.CircuitBreaker)
}

func TestTradesFromYesterdayDoNotCount(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := baseConfig()
	cfg.MaxTradesPerDay = 1
	addTrade(t, st, model.Buy, 1, 100, noon.Add(-13*time.Hour))

	d, err := newEngine(st).Evaluate(context.Background(), "alice", "BTCUSDT", buy, 100, 0, cfg, 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCircuitBreaker(t *testing.T) {
	st := store.NewMemoryStore()
	addTrade(t, st, model.Buy, 1, 100, noon.Add(-2*time.Hour))
	addTrade(t, st, model.Sell, 1, 90, noon.Add(-time.Hour))

	d, err := newEngine(st).Evaluate(context.Background(), "alice", "BTCUSDT", buy, 100, 0, baseConfig(), 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.CircuitBreaker)
	assert.Equal(t, "Circuit breaker: daily PnL -5.26%", d.Reason)
}

func TestStopDistanceAndSizing(t *testing.T) {
	e := newEngine(store.NewMemoryStore())
	ctx := context.Background()

	d, err := e.Evaluate(ctx, "alice", "BTCUSDT", model.Signal{Side: model.Buy, StopLoss: 100}, 100, 0, baseConfig(), 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Invalid stop distance", d.Reason)

	d, err = e.Evaluate(ctx, "alice", "BTCUSDT", buy, 100, 0, baseConfig(), 0)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	// 1% of 100 risked over a stop 10 away.
	assert.InDelta(t, 0.1, d.Quantity, 1e-12)

	cfg := baseConfig()
	cfg.RiskPerTradePct = 0
	d, err = e.Evaluate(ctx, "alice", "BTCUSDT", buy, 100, 0, cfg, 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Invalid position size", d.Reason)
}
