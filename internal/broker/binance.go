package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/autotrader/internal/model"
)

// Binance is a spot-market venue. Market data is public; orders need keys.
type Binance struct {
	client  *binance.Client
	hasKeys bool

	mu    sync.Mutex
	steps map[string]decimal.Decimal // LOT_SIZE step per symbol
}

// NewBinance creates a Binance venue. baseURL overrides the API endpoint
// (testnet, tests); empty keeps the library default.
func NewBinance(creds Credentials, baseURL string) *Binance {
	client := binance.NewClient(creds.APIKey, creds.APISecret)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &Binance{
		client:  client,
		hasKeys: creds.APIKey != "" && creds.APISecret != "",
		steps:   make(map[string]decimal.Decimal),
	}
}

func (b *Binance) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	if _, err := model.TimeframePeriod(timeframe); err != nil {
		return nil, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: no klines for %s", ErrDataUnavailable, symbol)
	}

	candles := make([]model.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, model.Candle{
			Timestamp: k.OpenTime / 1000,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return candles, nil
}

// GetPositions reports nothing: spot balances are not positions, and the
// engine tracks its own from fills.
func (b *Binance) GetPositions(context.Context) ([]model.Position, error) {
	return nil, nil
}

func (b *Binance) GetSpread(ctx context.Context, symbol string) (float64, error) {
	book, err := b.client.NewDepthService().Symbol(symbol).Limit(5).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance depth %s: %w", symbol, err)
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, fmt.Errorf("%w: empty order book for %s", ErrDataUnavailable, symbol)
	}
	bid := parseFloat(book.Bids[0].Price)
	ask := parseFloat(book.Asks[0].Price)
	if ask <= 0 {
		return 0, fmt.Errorf("%w: non-positive ask for %s", ErrDataUnavailable, symbol)
	}
	return (ask - bid) / ask, nil
}

func (b *Binance) PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.Fill, error) {
	if !b.hasKeys {
		return model.Fill{}, fmt.Errorf("%w: binance API keys missing", ErrAuthenticationRequired)
	}
	step, err := b.lotStep(ctx, intent.Symbol)
	if err != nil {
		return model.Fill{}, err
	}
	qty := RoundToStep(decimal.NewFromFloat(intent.Quantity), step)
	if !qty.IsPositive() {
		return model.Fill{}, &OrderRejectedError{Reason: fmt.Sprintf("quantity %v below lot size %s", intent.Quantity, step)}
	}

	side := binance.SideTypeBuy
	if intent.Side == model.Sell {
		side = binance.SideTypeSell
	}
	resp, err := b.client.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(qty.String()).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return model.Fill{}, &OrderRejectedError{Reason: apiErr.Message}
		}
		return model.Fill{}, fmt.Errorf("binance order %s: %w", intent.Symbol, err)
	}

	price := parseFloat(resp.Price)
	if len(resp.Fills) > 0 {
		price = parseFloat(resp.Fills[0].Price)
	}
	return model.Fill{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Quantity: qty.InexactFloat64(),
		Price:    price,
	}, nil
}

func (b *Binance) lotStep(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	step, ok := b.steps[symbol]
	b.mu.Unlock()
	if ok {
		return step, nil
	}

	info, err := b.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance exchange info %s: %w", symbol, err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		lot := s.LotSizeFilter()
		if lot == nil {
			break
		}
		step, err = decimal.NewFromString(lot.StepSize)
		if err != nil {
			return decimal.Zero, fmt.Errorf("binance step size %q: %w", lot.StepSize, err)
		}
		b.mu.Lock()
		b.steps[symbol] = step
		b.mu.Unlock()
		return step, nil
	}
	return decimal.Zero, &OrderRejectedError{Reason: "symbol not found: " + symbol}
}

// RoundToStep floors qty to a multiple of step. A zero step leaves qty as is.
func RoundToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
