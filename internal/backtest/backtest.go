// Package backtest replays historical candles through a strategy and books
// one unit per signal into a synthetic trade ledger.
package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/ledger"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/strategy"
)

// ErrMissingColumn is returned when the CSV header lacks a required column.
var ErrMissingColumn = errors.New("backtest: missing column")

var requiredColumns = []string{"timestamp", "open", "high", "low", "close"}

// LoadCSV reads candles from r. The first row is a header naming at least
// timestamp, open, high, low and close; volume is optional.
func LoadCSV(r io.Reader) ([]model.Candle, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("backtest: read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	volIdx, hasVolume := idx["volume"]

	var candles []model.Candle
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("backtest: line %d: %w", line, err)
		}

		num := func(col string) (float64, error) {
			return strconv.ParseFloat(strings.TrimSpace(rec[idx[col]]), 64)
		}
		var c model.Candle
		ts, err := num("timestamp")
		if err != nil {
			return nil, fmt.Errorf("backtest: line %d timestamp: %w", line, err)
		}
		c.Timestamp = int64(ts)
		for col, dst := range map[string]*float64{"open": &c.Open, "high": &c.High, "low": &c.Low, "close": &c.Close} {
			if *dst, err = num(col); err != nil {
				return nil, fmt.Errorf("backtest: line %d %s: %w", line, col, err)
			}
		}
		if hasVolume && volIdx < len(rec) {
			// Missing or blank volume reads as zero.
			c.Volume, _ = strconv.ParseFloat(strings.TrimSpace(rec[volIdx]), 64)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// Report summarises a backtest run.
type Report struct {
	Symbol string
	Trades []model.TradeRecord
	Result ledger.Result
}

// Run walks candles bar by bar, giving the strategy the full history up to
// each bar. Every signal books a fill of one unit at the bar close. The walk
// starts once SlowMA+ATRPeriod bars are available.
func Run(candles []model.Candle, cfg config.RuntimeConfig, strat strategy.Strategy) Report {
	symbol := "BACKTEST"
	if len(cfg.Symbols) > 0 {
		symbol = cfg.Symbols[0]
	}
	rep := Report{Symbol: symbol}

	for i := cfg.SlowMA + cfg.ATRPeriod; i < len(candles); i++ {
		window := candles[:i+1]
		sig := strat.Generate(window, cfg)
		if sig == nil {
			continue
		}
		last := window[len(window)-1]
		rep.Trades = append(rep.Trades, model.TradeRecord{
			ID:        ulid.Make().String(),
			TenantID:  "backtest",
			Symbol:    symbol,
			Side:      sig.Side,
			Quantity:  1,
			Price:     last.Close,
			Mode:      "backtest",
			Adapter:   "csv",
			CreatedAt: time.Unix(last.Timestamp, 0).UTC(),
		})
	}
	rep.Result = ledger.Replay(rep.Trades)
	return rep
}

// Render formats the report for a terminal.
func (r Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol:        %s\n", r.Symbol)
	fmt.Fprintf(&b, "Total trades:  %d\n", len(r.Trades))
	fmt.Fprintf(&b, "Realized PnL:  %.6f\n", r.Result.Realized)
	fmt.Fprintf(&b, "PnL %%:         %.4f\n", r.Result.PnLPct())
	if pos, ok := r.Result.Positions[r.Symbol]; ok && pos.Open() {
		fmt.Fprintf(&b, "Open position: %g @ %.6f\n", pos.Quantity, pos.AvgPrice)
	}
	return b.String()
}

// WriteTradesCSV writes the report's trades to w.
func (r Report) WriteTradesCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "time", "symbol", "side", "qty", "price"}); err != nil {
		return err
	}
	for _, t := range r.Trades {
		err := cw.Write([]string{
			t.ID,
			t.CreatedAt.Format(time.RFC3339),
			t.Symbol,
			string(t.Side),
			strconv.FormatFloat(t.Quantity, 'f', -1, 64),
			strconv.FormatFloat(t.Price, 'f', 6, 64),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
