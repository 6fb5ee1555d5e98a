// Package risk is the admission control every candidate trade passes
// before dispatch.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/ledger"
	"github.com/atmx/autotrader/internal/metrics"
	"github.com/atmx/autotrader/internal/model"
)

// Rejection kinds, used as metric labels and in logs.
const (
	KindSpread       = "spread"
	KindExposure     = "exposure"
	KindTradeCount   = "trade_count"
	KindCircuitBreak = "circuit_breaker"
	KindStopDistance = "stop_distance"
	KindPositionSize = "position_size"
)

// Decision is the outcome of Evaluate. Quantity is set only when Allowed.
type Decision struct {
	Allowed        bool
	Reason         string
	Kind           string
	Quantity       float64
	CircuitBreaker bool
}

// TradeSource supplies the tenant's trade ledger.
type TradeSource interface {
	ListTradesSince(ctx context.Context, tenantID string, since time.Time) ([]model.TradeRecord, error)
}

// Engine evaluates signals against the tenant's limits.
type Engine struct {
	trades TradeSource
	now    func() time.Time
}

// NewEngine creates a risk engine reading the ledger from trades.
func NewEngine(trades TradeSource) *Engine {
	return &Engine{trades: trades, now: time.Now}
}

// SetClock overrides the clock used to find the current UTC day.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Evaluate runs the checks in order; the first failure wins. Only ledger
// read failures are returned as errors.
func (e *Engine) Evaluate(
	ctx context.Context,
	tenantID, symbol string,
	signal model.Signal,
	lastPrice float64,
	openPositions int,
	cfg config.RuntimeConfig,
	spread float64,
) (Decision, error) {
	if spread > cfg.MaxSpread {
		return reject(KindSpread, fmt.Sprintf("Spread too high: %.6f", spread)), nil
	}
	if openPositions >= cfg.MaxOpenPositions {
		return reject(KindExposure, "Max open positions reached"), nil
	}

	trades, err := e.trades.ListTradesSince(ctx, tenantID, model.DayStart(e.now()))
	if err != nil {
		return Decision{}, fmt.Errorf("risk: list trades for %s: %w", tenantID, err)
	}
	if len(trades) >= cfg.MaxTradesPerDay {
		return reject(KindTradeCount, "Max trades per day reached"), nil
	}

	if pnl := ledger.DailyPnLPct(trades); pnl <= -math.Abs(cfg.MaxDailyLossPct) {
		d := reject(KindCircuitBreak, fmt.Sprintf("Circuit breaker: daily PnL %.2f%%", pnl))
		d.CircuitBreaker = true
		return d, nil
	}

	stopDistance := math.Abs(lastPrice - signal.StopLoss)
	if stopDistance <= 0 {
		return reject(KindStopDistance, "Invalid stop distance"), nil
	}

	riskAmount := lastPrice * (cfg.RiskPerTradePct / 100)
	qty := riskAmount / stopDistance
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return reject(KindPositionSize, "Invalid position size"), nil
	}

	return Decision{Allowed: true, Quantity: qty}, nil
}

func reject(kind, reason string) Decision {
	metrics.RiskRejections.WithLabelValues(kind).Inc()
	return Decision{Reason: reason, Kind: kind}
}
