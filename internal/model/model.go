// Package model defines the core domain types shared across the trading
// engine. Prices and quantities are float64 as produced by the brokers; exact
// decimal arithmetic is only used where a venue demands it (lot-size
// rounding, NUMERIC columns).
package model

import (
	"errors"
	"fmt"
	"time"
)

// Side is the direction of a signal, order or fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

// Candle is one OHLCV bar. Timestamp is unix seconds of the bar open.
type Candle struct {
	Timestamp int64   `json:"ts"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Signal is a strategy's request to trade. Never persisted.
type Signal struct {
	Side     Side    `json:"side"`
	Reason   string  `json:"reason"`
	StopLoss float64 `json:"stop_loss"`
}

// OrderIntent is what the engine asks a broker to execute.
type OrderIntent struct {
	Symbol   string   `json:"symbol"`
	Side     Side     `json:"side"`
	Quantity float64  `json:"qty"`
	Price    *float64 `json:"price,omitempty"` // nil = market
	StopLoss float64  `json:"stop_loss"`
}

// Fill is the broker's authoritative record of an execution.
type Fill struct {
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Quantity float64 `json:"qty"`
	Price    float64 `json:"price"`
}

// Position is the durable per-(tenant, symbol) holding. Quantity is signed:
// positive = long. A flat position is kept with Quantity 0.
type Position struct {
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"qty"`
	AvgPrice  float64   `json:"avg_price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open reports whether the position carries exposure.
func (p Position) Open() bool { return p.Quantity != 0 }

// TradeRecord is an append-only ledger entry. Once created, it is never
// modified or deleted.
type TradeRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Quantity  float64   `json:"qty"`
	Price     float64   `json:"price"`
	Mode      string    `json:"mode"`    // "paper" or "live"
	Adapter   string    `json:"adapter"` // broker id
	OrderID   string    `json:"order_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskEvent is an append-only audit entry for a blocked or halted decision.
type RiskEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// EngineState is the persisted per-tenant control state. KillSwitch implies
// Paused, reconciled by the control loop on its next tick.
type EngineState struct {
	TenantID     string    `json:"tenant_id"`
	LastCandleTS int64     `json:"last_candle_ts,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	KillSwitch   bool      `json:"kill_switch"`
	Paused       bool      `json:"paused"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DefaultEngineState is the state of a tenant that has never been started.
func DefaultEngineState(tenantID string) EngineState {
	return EngineState{TenantID: tenantID, Paused: true}
}

// RunState is the three-way view of the two persisted flags.
type RunState string

const (
	StatePaused  RunState = "paused"
	StateRunning RunState = "running"
	StateKilled  RunState = "killed"
)

// RunState derives Killed/Paused/Running from the flags.
func (s EngineState) RunState() RunState {
	switch {
	case s.KillSwitch:
		return StateKilled
	case s.Paused:
		return StatePaused
	default:
		return StateRunning
	}
}

// StatePatch enumerates the engine-state fields that may change. Nil fields
// are left untouched.
type StatePatch struct {
	LastCandleTS *int64
	LastError    *string
	KillSwitch   *bool
	Paused       *bool
}

// Apply returns s with the patch applied and UpdatedAt set to now.
func (p StatePatch) Apply(s EngineState, now time.Time) EngineState {
	if p.LastCandleTS != nil {
		s.LastCandleTS = *p.LastCandleTS
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.KillSwitch != nil {
		s.KillSwitch = *p.KillSwitch
	}
	if p.Paused != nil {
		s.Paused = *p.Paused
	}
	s.UpdatedAt = now
	return s
}

// Patch helpers.

func WithLastCandleTS(ts int64) StatePatch { return StatePatch{LastCandleTS: &ts} }
func WithLastError(msg string) StatePatch { return StatePatch{LastError: &msg} }
func WithPaused(paused bool) StatePatch { return StatePatch{Paused: &paused} }
func WithKilled(killed bool) StatePatch {
	// Killing always pauses; clearing the kill switch leaves Paused alone.
	if killed {
		return StatePatch{KillSwitch: &killed, Paused: &killed}
	}
	return StatePatch{KillSwitch: &killed}
}

// ErrUnsupportedTimeframe is returned for timeframes outside Timeframes.
var ErrUnsupportedTimeframe = errors.New("unsupported timeframe")

// Timeframes maps the supported candle timeframes to their period.
var Timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
}

// TimeframePeriod returns the bar period of tf.
func TimeframePeriod(tf string) (time.Duration, error) {
	d, ok := Timeframes[tf]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, tf)
	}
	return d, nil
}

// DayStart returns the start of the UTC day containing t
// (now - now mod 86400).
func DayStart(t time.Time) time.Time {
	sec := t.Unix()
	return time.Unix(sec-sec%86400, 0).UTC()
}
