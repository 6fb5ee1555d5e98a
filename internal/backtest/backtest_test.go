package backtest_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/autotrader/internal/backtest"
	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/strategy"
)

const sample = `timestamp,open,high,low,close,volume
60,1,1,1,1,10
120,2,2,2,2,
180,3,3,3,3,10
240,4,4,4,4,10
300,5,5,5,5,10
360,6,6,6,6,10
420,7,7,7,7,10
480,8,8,8,8,10
`

func TestLoadCSV(t *testing.T) {
	candles, err := backtest.LoadCSV(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, candles, 8)
	assert.Equal(t, model.Candle{Timestamp: 60, Open: 1, High: 1, Low: 1, Close: 1, Volume: 10}, candles[0])
	assert.Zero(t, candles[1].Volume)
}

func TestLoadCSVErrors(t *testing.T) {
	_, err := backtest.LoadCSV(strings.NewReader("timestamp,open,high,low\n1,1,1,1\n"))
	assert.ErrorIs(t, err, backtest.ErrMissingColumn)

	_, err = backtest.LoadCSV(strings.NewReader("timestamp,open,high,low,close\n1,1,1,1,abc\n"))
	assert.ErrorContains(t, err, "line 2 close")
}

func TestRunBooksOneUnitPerSignal(t *testing.T) {
	candles, err := backtest.LoadCSV(strings.NewReader(sample))
	require.NoError(t, err)

	cfg := config.Defaults().Runtime()
	cfg.Symbols = []string{"ETHUSDT"}
	cfg.SlowMA, cfg.ATRPeriod = 2, 1

	var seen []int
	strat := strategy.Func(func(window []model.Candle, _ config.RuntimeConfig) *model.Signal {
		seen = append(seen, len(window))
		switch len(window) {
		case 4:
			return &model.Signal{Side: model.Buy}
		case 7:
			return &model.Signal{Side: model.Sell}
		}
		return nil
	})

	rep := backtest.Run(candles, cfg, strat)
	assert.Equal(t, []int{4, 5, 6, 7, 8}, seen, "walk starts after slow+atr bars")
	require.Len(t, rep.Trades, 2)
	assert.Equal(t, "ETHUSDT", rep.Trades[0].Symbol)
	assert.Equal(t, 4.0, rep.Trades[0].Price)
	assert.Equal(t, int64(240), rep.Trades[0].CreatedAt.Unix())
	assert.InDelta(t, 3.0, rep.Result.Realized, 1e-9)
	assert.InDelta(t, 3.0/11*100, rep.Result.PnLPct(), 1e-9)

	out := rep.Render()
	assert.Contains(t, out, "Total trades:  2")
	assert.Contains(t, out, "Realized PnL:  3.000000")

	var buf bytes.Buffer
	require.NoError(t, rep.WriteTradesCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "id,time,symbol,side,qty,price", lines[0])
	assert.Contains(t, lines[1], ",ETHUSDT,BUY,1,4.000000")
}

func TestRunWithoutSignals(t *testing.T) {
	cfg := config.Defaults().Runtime()
	rep := backtest.Run(nil, cfg, strategy.MovingAverageATR{})
	assert.Empty(t, rep.Trades)
	assert.Zero(t, rep.Result.Realized)
	assert.Equal(t, "BTCUSDT", rep.Symbol)
}
