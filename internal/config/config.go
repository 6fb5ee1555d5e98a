// Package config resolves process settings (env, .env, YAML defaults) and the
// per-tenant runtime configuration layered on top of them from the store.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Settings are the process-wide defaults every tenant inherits. The env tag
// names the environment variable and, for tenant-overridable fields, the
// settings key in the store.
type Settings struct {
	Mode             string  `yaml:"mode" env:"MODE"`
	Adapter          string  `yaml:"adapter" env:"ADAPTER"`
	Symbols          string  `yaml:"symbols" env:"SYMBOLS"`
	Timeframe        string  `yaml:"timeframe" env:"TIMEFRAME"`
	FastMA           int     `yaml:"fast_ma" env:"FAST_MA"`
	SlowMA           int     `yaml:"slow_ma" env:"SLOW_MA"`
	ATRPeriod        int     `yaml:"atr_period" env:"ATR_PERIOD"`
	ATRMultiplier    float64 `yaml:"atr_multiplier" env:"ATR_MULTIPLIER"`
	RiskPerTradePct  float64 `yaml:"risk_per_trade_pct" env:"RISK_PER_TRADE_PCT"`
	MaxDailyLossPct  float64 `yaml:"max_daily_loss_pct" env:"MAX_DAILY_LOSS_PCT"`
	MaxTradesPerDay  int     `yaml:"max_trades_per_day" env:"MAX_TRADES_PER_DAY"`
	MaxOpenPositions int     `yaml:"max_open_positions" env:"MAX_OPEN_POSITIONS"`
	MaxSpread        float64 `yaml:"max_spread" env:"MAX_SPREAD"`
	SymbolMap        string  `yaml:"symbol_map" env:"SYMBOL_MAP"`
	NotifyChannel    string  `yaml:"notify_channel" env:"NOTIFY_CHANNEL"`

	// Process-only settings.
	Port             string `yaml:"port" env:"PORT"`
	DatabaseURL      string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL         string `yaml:"redis_url" env:"REDIS_URL"`
	SQLitePath       string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	TelegramBotToken string `yaml:"telegram_bot_token" env:"TELEGRAM_BOT_TOKEN"`
	CredentialKey    string `yaml:"credential_key" env:"CREDENTIAL_KEY"`
	BridgeURL        string `yaml:"bridge_url" env:"BRIDGE_URL"`
	BinanceBaseURL   string `yaml:"binance_base_url" env:"BINANCE_BASE_URL"`
	TelegramBaseURL  string `yaml:"telegram_base_url" env:"TELEGRAM_BASE_URL"`
	Autostart        bool   `yaml:"autostart" env:"AUTOSTART"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Mode:             "paper",
		Adapter:          "paper",
		Symbols:          "BTCUSDT",
		Timeframe:        "15m",
		FastMA:           20,
		SlowMA:           50,
		ATRPeriod:        14,
		ATRMultiplier:    2.0,
		RiskPerTradePct:  1.0,
		MaxDailyLossPct:  2.0,
		MaxTradesPerDay:  3,
		MaxOpenPositions: 1,
		MaxSpread:        0.0002,
		SymbolMap:        "{}",
		Port:             "8080",
		Autostart:        true,
	}
}

// Load builds Settings from defaults, then the YAML file named by
// CONFIG_FILE (if any), then the environment. A .env file in the working
// directory is loaded first when present.
func Load() (Settings, error) {
	_ = godotenv.Load()

	s := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, &s); err != nil {
			return s, err
		}
	}
	if err := bindEnv(&s, env.ToMap(os.Environ())); err != nil {
		return s, err
	}
	return s, nil
}

func loadYAML(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// bindEnv overwrites every field whose env variable is present in vars
// with a non-blank value.
func bindEnv(s *Settings, vars map[string]string) error {
	trimmed := make(map[string]string, len(vars))
	for k, v := range vars {
		trimmed[k] = strings.TrimSpace(v)
	}
	if err := env.ParseWithOptions(s, env.Options{Environment: trimmed}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
