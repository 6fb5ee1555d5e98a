package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atmx/autotrader/internal/model"
)

// RuntimeConfig is the effective configuration of one tenant.
type RuntimeConfig struct {
	Mode             string            `json:"mode"`
	Adapter          string            `json:"adapter"`
	Symbols          []string          `json:"symbols"`
	Timeframe        string            `json:"timeframe"`
	FastMA           int               `json:"fast_ma"`
	SlowMA           int               `json:"slow_ma"`
	ATRPeriod        int               `json:"atr_period"`
	ATRMultiplier    float64           `json:"atr_multiplier"`
	RiskPerTradePct  float64           `json:"risk_per_trade_pct"`
	MaxDailyLossPct  float64           `json:"max_daily_loss_pct"`
	MaxTradesPerDay  int               `json:"max_trades_per_day"`
	MaxOpenPositions int               `json:"max_open_positions"`
	MaxSpread        float64           `json:"max_spread"`
	SymbolMap        map[string]string `json:"symbol_map"`
	NotifyChannel    string            `json:"notify_channel"`
}

// Validate rejects configurations the engine cannot run with.
func (c RuntimeConfig) Validate() error {
	if _, err := model.TimeframePeriod(c.Timeframe); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("%w: no symbols configured", ErrInvalidConfig)
	}
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("%w: mode must be paper or live, got %q", ErrInvalidConfig, c.Mode)
	}
	return nil
}

// tenantKeys are the settings a tenant may override through the store.
var tenantKeys = map[string]bool{
	"MODE": true, "ADAPTER": true, "SYMBOLS": true, "TIMEFRAME": true,
	"FAST_MA": true, "SLOW_MA": true, "ATR_PERIOD": true, "ATR_MULTIPLIER": true,
	"RISK_PER_TRADE_PCT": true, "MAX_DAILY_LOSS_PCT": true, "MAX_TRADES_PER_DAY": true,
	"MAX_OPEN_POSITIONS": true, "MAX_SPREAD": true, "SYMBOL_MAP": true,
	"NOTIFY_CHANNEL": true,
}

// IsTenantKey reports whether key can be overridden per tenant.
func IsTenantKey(key string) bool { return tenantKeys[key] }

// SettingsStore is the slice of the store the config service needs.
type SettingsStore interface {
	GetSettings(ctx context.Context, tenantID string) (map[string]string, error)
	SetSetting(ctx context.Context, tenantID, key, value string) error
}

// Service resolves tenant configuration: base settings overridden by
// the tenant's stored settings.
type Service struct {
	store SettingsStore
	base  Settings
}

// NewService creates a config service over base settings.
func NewService(st SettingsStore, base Settings) *Service {
	return &Service{store: st, base: base}
}

// Load returns the tenant's effective configuration.
func (s *Service) Load(ctx context.Context, tenantID string) (RuntimeConfig, error) {
	overrides, err := s.store.GetSettings(ctx, tenantID)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("load settings for %s: %w", tenantID, err)
	}

	eff := s.base
	vars := make(map[string]string, len(overrides))
	for k, v := range overrides {
		if tenantKeys[k] {
			vars[k] = v
		}
	}
	if err := bindEnv(&eff, vars); err != nil {
		return RuntimeConfig{}, err
	}
	return eff.runtime(), nil
}

// Update validates and stores a tenant override.
func (s *Service) Update(ctx context.Context, tenantID, key, value string) error {
	if !tenantKeys[key] {
		return fmt.Errorf("%w: unknown setting %q", ErrInvalidConfig, key)
	}
	candidate := s.base
	if err := bindEnv(&candidate, map[string]string{key: value}); err != nil {
		return err
	}
	if err := candidate.runtime().Validate(); err != nil {
		return err
	}
	return s.store.SetSetting(ctx, tenantID, key, strings.TrimSpace(value))
}

func (s Settings) runtime() RuntimeConfig {
	symbolMap := map[string]string{}
	if s.SymbolMap != "" {
		// A malformed map degrades to no mapping.
		if err := json.Unmarshal([]byte(s.SymbolMap), &symbolMap); err != nil {
			symbolMap = map[string]string{}
		}
	}
	return RuntimeConfig{
		Mode:             s.Mode,
		Adapter:          s.Adapter,
		Symbols:          splitSymbols(s.Symbols),
		Timeframe:        s.Timeframe,
		FastMA:           s.FastMA,
		SlowMA:           s.SlowMA,
		ATRPeriod:        s.ATRPeriod,
		ATRMultiplier:    s.ATRMultiplier,
		RiskPerTradePct:  s.RiskPerTradePct,
		MaxDailyLossPct:  s.MaxDailyLossPct,
		MaxTradesPerDay:  s.MaxTradesPerDay,
		MaxOpenPositions: s.MaxOpenPositions,
		MaxSpread:        s.MaxSpread,
		SymbolMap:        symbolMap,
		NotifyChannel:    s.NotifyChannel,
	}
}

func splitSymbols(raw string) []string {
	var out []string
	for _, sym := range strings.Split(raw, ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

// Runtime exposes the base settings as a tenant configuration.
func (s Settings) Runtime() RuntimeConfig { return s.runtime() }
