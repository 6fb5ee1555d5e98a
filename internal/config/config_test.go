package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/store"
)

func TestDefaultsAreRunnable(t *testing.T) {
	cfg := config.Defaults().Runtime()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, "15m", cfg.Timeframe)
	assert.Empty(t, cfg.SymbolMap)
}

func TestLoadLayersYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autotrader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbols: "BTCUSDT, ETHUSDT"
timeframe: 5m
max_trades_per_day: 7
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_TRADES_PER_DAY", "9")
	t.Setenv("AUTOSTART", "false")

	s, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "5m", s.Timeframe)
	assert.Equal(t, 9, s.MaxTradesPerDay, "env wins over file")
	assert.False(t, s.Autostart)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.Runtime().Symbols)
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("FAST_MA", "twenty")
	_, err := config.Load()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTenantOverrides(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := config.NewService(st, config.Defaults())

	require.NoError(t, svc.Update(ctx, "alice", "SYMBOLS", "ETHUSDT,SOLUSDT"))
	require.NoError(t, svc.Update(ctx, "alice", "SYMBOL_MAP", `{"ETHUSDT":"ETHUSD.a"}`))
	// A non-tenant key written straight to the store is ignored.
	require.NoError(t, st.SetSetting(ctx, "alice", "DATABASE_URL", "postgres://x"))

	cfg, err := svc.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, cfg.Symbols)
	assert.Equal(t, map[string]string{"ETHUSDT": "ETHUSD.a"}, cfg.SymbolMap)

	other, err := svc.Load(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, other.Symbols)
}

func TestUpdateValidates(t *testing.T) {
	ctx := context.Background()
	svc := config.NewService(store.NewMemoryStore(), config.Defaults())

	tests := []struct {
		name, key, value string
	}{
		{"unknown key", "PORT", "9090"},
		{"bad timeframe", "TIMEFRAME", "4h"},
		{"bad mode", "MODE", "yolo"},
		{"not a number", "MAX_SPREAD", "wide"},
		{"no symbols", "SYMBOLS", " , "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, svc.Update(ctx, "alice", tt.key, tt.value), config.ErrInvalidConfig)
		})
	}
}

func TestIsTenantKey(t *testing.T) {
	assert.True(t, config.IsTenantKey("MAX_OPEN_POSITIONS"))
	assert.False(t, config.IsTenantKey("CREDENTIAL_KEY"))
}
