package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/atmx/autotrader/internal/ledger"
	"github.com/atmx/autotrader/internal/model"
)

// PaperConfig tunes the simulated fills. Zero values select the defaults.
type PaperConfig struct {
	SlippageBps float64 // default 2
	FeeBps      float64 // default 1
	// Rand returns a value in [0,1); it scales slippage into [0.5,1.5).
	Rand func() float64
}

// Paper simulates fills against a data feed's latest one-minute close.
// Positions are tracked in memory and dropped once flat.
type Paper struct {
	feed Broker
	cfg  PaperConfig

	mu        sync.Mutex
	positions map[string]model.Position
}

// NewPaper wraps feed in a simulator.
func NewPaper(feed Broker, cfg PaperConfig) *Paper {
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 2
	}
	if cfg.FeeBps == 0 {
		cfg.FeeBps = 1
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Paper{feed: feed, cfg: cfg, positions: make(map[string]model.Position)}
}

func (p *Paper) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	return p.feed.FetchCandles(ctx, symbol, timeframe, limit)
}

func (p *Paper) GetSpread(ctx context.Context, symbol string) (float64, error) {
	return p.feed.GetSpread(ctx, symbol)
}

func (p *Paper) GetPositions(context.Context) ([]model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// PlaceOrder fills at the last one-minute close moved against the order by
// slippage, then by the fee.
func (p *Paper) PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.Fill, error) {
	candles, err := p.feed.FetchCandles(ctx, intent.Symbol, "1m", 1)
	if err != nil {
		return model.Fill{}, fmt.Errorf("paper fill %s: %w", intent.Symbol, err)
	}
	if len(candles) == 0 {
		return model.Fill{}, fmt.Errorf("%w: no candles available for fill", ErrDataUnavailable)
	}

	price := candles[len(candles)-1].Close
	dir := intent.Side.Sign()
	slip := price * (p.cfg.SlippageBps / 10000) * (0.5 + p.cfg.Rand())
	price += dir * slip
	price += dir * price * (p.cfg.FeeBps / 10000)

	fill := model.Fill{
		OrderID:  "paper-" + ulid.Make().String(),
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Quantity: intent.Quantity,
		Price:    price,
	}
	p.apply(fill)
	slog.Info("paper fill", "order_id", fill.OrderID, "symbol", fill.Symbol,
		"side", fill.Side, "qty", fill.Quantity, "price", fill.Price)
	return fill, nil
}

func (p *Paper) apply(fill model.Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var existing *model.Position
	if pos, ok := p.positions[fill.Symbol]; ok {
		existing = &pos
	}
	next := ledger.ApplyFill(existing, fill)
	if !next.Open() {
		delete(p.positions, fill.Symbol)
		return
	}
	p.positions[fill.Symbol] = next
}
