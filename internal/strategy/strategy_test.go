package strategy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/strategy"
)

func candles(closes ...float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{Timestamp: int64(i * 60), Open: c, High: c + 0.5, Low: c - 0.5, Close: c}
	}
	return out
}

func cfg() config.RuntimeConfig {
	c := config.Defaults().Runtime()
	c.FastMA, c.SlowMA, c.ATRPeriod, c.ATRMultiplier = 3, 5, 3, 2
	return c
}

func TestCrossUpBuys(t *testing.T) {
	sig := strategy.MovingAverageATR{}.Generate(candles(10, 10, 10, 10, 10, 9, 20), cfg())
	require.NotNil(t, sig)
	assert.Equal(t, model.Buy, sig.Side)
	assert.Less(t, sig.StopLoss, 20.0)
}

func TestCrossDownSells(t *testing.T) {
	sig := strategy.MovingAverageATR{}.Generate(candles(10, 10, 10, 10, 10, 11, 0), cfg())
	require.NotNil(t, sig)
	assert.Equal(t, model.Sell, sig.Side)
	assert.Greater(t, sig.StopLoss, 0.0)
}

func TestNoSignal(t *testing.T) {
	tests := map[string][]model.Candle{
		"too short": candles(10, 10, 10, 10, 9, 20),
		"flat":      candles(10, 10, 10, 10, 10, 10, 10),
		"no cross":  candles(1, 2, 3, 4, 5, 6, 7),
	}
	for name, cs := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, strategy.MovingAverageATR{}.Generate(cs, cfg()))
		})
	}
}

func TestStopUsesATR(t *testing.T) {
	sig := strategy.MovingAverageATR{}.Generate(candles(10, 10, 10, 10, 10, 9, 20), cfg())
	require.NotNil(t, sig)
	// True ranges of the last three bars: 1, 1.5, 11.5.
	atr := (1.0 + 1.5 + 11.5) / 3
	assert.InDelta(t, 20-2*atr, sig.StopLoss, 1e-9)
}
