// Package ledger holds the position and realized-PnL arithmetic driven by
// fills and the trade ledger. Everything here is pure.
package ledger

import (
	"math"

	"github.com/atmx/autotrader/internal/model"
)

// ApplyFill returns the position after fill. existing is nil when the tenant
// has no row for the symbol. A position that nets to zero is kept flat at the
// fill price. Otherwise the average is (avg*qty + price*fillQty) / newQty with
// the unsigned fill quantity, so a reducing or short-side fill moves the
// average the same way the ledger always has.
func ApplyFill(existing *model.Position, fill model.Fill) model.Position {
	delta := fill.Side.Sign() * fill.Quantity
	if existing == nil {
		return model.Position{Symbol: fill.Symbol, Quantity: delta, AvgPrice: fill.Price}
	}

	newQty := existing.Quantity + delta
	if newQty == 0 {
		return model.Position{Symbol: fill.Symbol, Quantity: 0, AvgPrice: fill.Price}
	}
	avg := ((existing.AvgPrice * existing.Quantity) + (fill.Price * fill.Quantity)) / newQty
	return model.Position{Symbol: fill.Symbol, Quantity: newQty, AvgPrice: avg}
}

// Result is the outcome of replaying a trade list.
type Result struct {
	Realized      float64
	GrossNotional float64
	Trades        int
	// Positions are the synthetic per-symbol holdings left after replay.
	Positions map[string]model.Position
}

// PnLPct is realized profit relative to traded notional, in percent. With no
// notional the denominator is 1.
func (r Result) PnLPct() float64 {
	denom := r.GrossNotional
	if denom <= 0 {
		denom = 1
	}
	return r.Realized / denom * 100
}

// Replay walks trades oldest first and realizes profit as positions are
// covered. A short opened or extended by a SELL takes the fill price as its
// average rather than a weighted one.
func Replay(trades []model.TradeRecord) Result {
	res := Result{Positions: make(map[string]model.Position)}
	for _, t := range trades {
		qty, price := t.Quantity, t.Price
		res.GrossNotional += math.Abs(qty * price)
		res.Trades++

		pos := res.Positions[t.Symbol]
		pos.Symbol = t.Symbol

		switch t.Side {
		case model.Buy:
			if pos.Quantity < 0 {
				cover := math.Min(qty, -pos.Quantity)
				res.Realized += (pos.AvgPrice - price) * cover
				pos.Quantity += cover
				qty -= cover
			}
			if qty > 0 {
				newQty := pos.Quantity + qty
				if newQty != 0 {
					pos.AvgPrice = ((pos.AvgPrice * pos.Quantity) + (price * qty)) / newQty
				} else {
					pos.AvgPrice = 0
				}
				pos.Quantity = newQty
			}
		case model.Sell:
			if pos.Quantity > 0 {
				sold := math.Min(qty, pos.Quantity)
				res.Realized += (price - pos.AvgPrice) * sold
				pos.Quantity -= sold
				qty -= sold
			}
			if qty > 0 {
				newQty := pos.Quantity - qty
				if newQty != 0 {
					pos.AvgPrice = price
				} else {
					pos.AvgPrice = 0
				}
				pos.Quantity = newQty
			}
		}
		res.Positions[t.Symbol] = pos
	}
	return res
}

// DailyPnLPct is the realized PnL percentage of trades, oldest first.
func DailyPnLPct(trades []model.TradeRecord) float64 {
	if len(trades) == 0 {
		return 0
	}
	return Replay(trades).PnLPct()
}
