// Package broker defines the market-data and order capability every venue
// implements, plus the concrete venues: Binance spot, an HTTP bridge to a
// MetaTrader terminal, and a paper simulator that wraps either.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/autotrader/internal/model"
)

// DefaultCandleLimit is the lookback the engine asks for each tick.
const DefaultCandleLimit = 200

var (
	// ErrDataUnavailable is returned when a venue returns no usable data.
	ErrDataUnavailable = errors.New("broker: data unavailable")

	// ErrAuthenticationRequired is returned when a live order is attempted
	// without credentials.
	ErrAuthenticationRequired = errors.New("broker: authentication required")

	// ErrUnknownAdapter is returned by New for adapter ids it cannot build.
	ErrUnknownAdapter = errors.New("broker: unknown adapter")
)

// OrderRejectedError carries the venue's reason for refusing an order.
type OrderRejectedError struct {
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return "broker: order rejected: " + e.Reason
}

// Broker is the capability set shared by all venues.
type Broker interface {
	// FetchCandles returns up to limit bars, oldest first.
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error)
	GetPositions(ctx context.Context) ([]model.Position, error)
	// GetSpread returns (ask-bid)/ask.
	GetSpread(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.Fill, error)
}

// Credentials are the decrypted venue keys of one tenant.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Options carry process-level venue settings.
type Options struct {
	BinanceBaseURL string
	BridgeURL      string
	SymbolMap      map[string]string
	// PaperFeed, when set, supplies market data to the paper broker instead
	// of a public Binance client.
	PaperFeed Broker
}

// New builds the broker for a tenant. In paper mode every adapter is wrapped
// in the simulator so no live order can leave the process.
func New(mode, adapter string, creds Credentials, opts Options) (Broker, error) {
	var venue Broker
	switch adapter {
	case "paper":
		feed := opts.PaperFeed
		if feed == nil {
			feed = NewBinance(creds, opts.BinanceBaseURL)
		}
		return NewPaper(feed, PaperConfig{}), nil
	case "binance":
		venue = NewBinance(creds, opts.BinanceBaseURL)
	case "bridge", "mt5":
		if opts.BridgeURL == "" {
			return nil, fmt.Errorf("%w: %s needs BRIDGE_URL", ErrUnknownAdapter, adapter)
		}
		venue = NewBridge(opts.BridgeURL, opts.SymbolMap)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, adapter)
	}
	if mode != "live" {
		return NewPaper(venue, PaperConfig{}), nil
	}
	return venue, nil
}
