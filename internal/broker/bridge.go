package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/autotrader/internal/model"
)

// Bridge talks JSON over HTTP to a MetaTrader bridge process. Symbols are
// translated through symbolMap on the way out and back on the way in.
type Bridge struct {
	baseURL   string
	client    *http.Client
	symbolMap map[string]string
	reverse   map[string]string
}

// NewBridge creates a bridge venue at baseURL.
func NewBridge(baseURL string, symbolMap map[string]string) *Bridge {
	reverse := make(map[string]string, len(symbolMap))
	for k, v := range symbolMap {
		reverse[v] = k
	}
	return &Bridge{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
		symbolMap: symbolMap,
		reverse:   reverse,
	}
}

func (b *Bridge) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]model.Candle, error) {
	if _, err := model.TimeframePeriod(timeframe); err != nil {
		return nil, err
	}
	q := url.Values{
		"symbol": {b.venueSymbol(symbol)},
		"tf":     {timeframe},
		"limit":  {strconv.Itoa(limit)},
	}
	var candles []model.Candle
	if err := b.do(ctx, http.MethodGet, "/candles?"+q.Encode(), nil, &candles); err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candles for %s", ErrDataUnavailable, symbol)
	}
	return candles, nil
}

func (b *Bridge) GetPositions(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	if err := b.do(ctx, http.MethodGet, "/positions", nil, &positions); err != nil {
		return nil, err
	}
	for i := range positions {
		positions[i].Symbol = b.localSymbol(positions[i].Symbol)
	}
	return positions, nil
}

func (b *Bridge) GetSpread(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		Spread float64 `json:"spread"`
	}
	q := url.Values{"symbol": {b.venueSymbol(symbol)}}
	if err := b.do(ctx, http.MethodGet, "/spread?"+q.Encode(), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Spread, nil
}

func (b *Bridge) PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.Fill, error) {
	out := intent
	out.Symbol = b.venueSymbol(intent.Symbol)

	var fill model.Fill
	if err := b.do(ctx, http.MethodPost, "/order", out, &fill); err != nil {
		return model.Fill{}, err
	}
	if fill.Side == "" {
		fill.Side = intent.Side
	}
	if !fill.Side.Valid() || fill.Quantity <= 0 || fill.Price <= 0 {
		return model.Fill{}, fmt.Errorf("%w: invalid fill for %s: side=%q qty=%v price=%v",
			ErrDataUnavailable, intent.Symbol, fill.Side, fill.Quantity, fill.Price)
	}
	fill.Symbol = b.localSymbol(fill.Symbol)
	if fill.Symbol == "" {
		fill.Symbol = intent.Symbol
	}
	return fill, nil
}

func (b *Bridge) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		reason := strings.TrimSpace(string(msg))
		if method == http.MethodPost && resp.StatusCode < 500 {
			return &OrderRejectedError{Reason: reason}
		}
		return fmt.Errorf("bridge %s %s: status %d: %s", method, path, resp.StatusCode, reason)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridge %s %s: decode: %w", method, path, err)
	}
	return nil
}

func (b *Bridge) venueSymbol(symbol string) string {
	if mapped, ok := b.symbolMap[symbol]; ok {
		return mapped
	}
	return symbol
}

func (b *Bridge) localSymbol(symbol string) string {
	if local, ok := b.reverse[symbol]; ok {
		return local
	}
	return symbol
}
