// Package strategy turns a candle history into an optional trade signal.
// Strategies are pure functions of their inputs.
package strategy

import (
	"math"

	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/model"
)

// Strategy generates at most one signal for the latest candle.
type Strategy interface {
	Generate(candles []model.Candle, cfg config.RuntimeConfig) *model.Signal
}

// Func adapts a plain function to Strategy.
type Func func(candles []model.Candle, cfg config.RuntimeConfig) *model.Signal

func (f Func) Generate(candles []model.Candle, cfg config.RuntimeConfig) *model.Signal {
	return f(candles, cfg)
}

// MovingAverageATR signals on a fast/slow simple-moving-average crossover
// and places the stop ATRMultiplier average true ranges beyond the close.
type MovingAverageATR struct{}

func (MovingAverageATR) Generate(candles []model.Candle, cfg config.RuntimeConfig) *model.Signal {
	if cfg.FastMA <= 0 || cfg.SlowMA <= 0 || cfg.ATRPeriod <= 0 {
		return nil
	}
	if len(candles) < max(cfg.FastMA, cfg.SlowMA, cfg.ATRPeriod)+2 {
		return nil
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	n := len(candles)
	prevFast, prevSlow := sma(closes[:n-1], cfg.FastMA), sma(closes[:n-1], cfg.SlowMA)
	lastFast, lastSlow := sma(closes, cfg.FastMA), sma(closes, cfg.SlowMA)
	atr := sma(trueRanges(candles), cfg.ATRPeriod)
	if math.IsNaN(prevFast) || math.IsNaN(prevSlow) || math.IsNaN(atr) {
		return nil
	}

	last := candles[n-1].Close
	switch {
	case prevFast <= prevSlow && lastFast > lastSlow:
		return &model.Signal{Side: model.Buy, Reason: "MA cross up", StopLoss: last - atr*cfg.ATRMultiplier}
	case prevFast >= prevSlow && lastFast < lastSlow:
		return &model.Signal{Side: model.Sell, Reason: "MA cross down", StopLoss: last + atr*cfg.ATRMultiplier}
	}
	return nil
}

// sma is the mean of the trailing period values, NaN when too short.
func sma(xs []float64, period int) float64 {
	if len(xs) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range xs[len(xs)-period:] {
		sum += x
	}
	return sum / float64(period)
}

// trueRanges is max(high-low, |high-prevClose|, |low-prevClose|) per bar;
// the first bar has no previous close and uses high-low.
func trueRanges(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		tr := c.High - c.Low
		if i > 0 {
			prev := candles[i-1].Close
			tr = max(tr, math.Abs(c.High-prev), math.Abs(c.Low-prev))
		}
		out[i] = tr
	}
	return out
}
