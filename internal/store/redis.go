package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/autotrader/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// records every tick reads: engine state and tenant settings. Writes go to
// the primary store and invalidate the cache; everything else passes through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateEngineState(ctx context.Context, tenantID string, patch model.StatePatch) error {
	if err := s.primary.UpdateEngineState(ctx, tenantID, patch); err != nil {
		return err
	}
	s.rdb.Del(ctx, stateKey(tenantID))
	return nil
}

func (s *CachedStore) SetSetting(ctx context.Context, tenantID, key, value string) error {
	if err := s.primary.SetSetting(ctx, tenantID, key, value); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey(tenantID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEngineState(ctx context.Context, tenantID string) (model.EngineState, error) {
	data, err := s.rdb.Get(ctx, stateKey(tenantID)).Bytes()
	if err == nil {
		var st model.EngineState
		if json.Unmarshal(data, &st) == nil {
			return st, nil
		}
	}

	st, err := s.primary.GetEngineState(ctx, tenantID)
	if err != nil {
		return st, err
	}
	s.cache(ctx, stateKey(tenantID), st)
	return st, nil
}

func (s *CachedStore) GetSettings(ctx context.Context, tenantID string) (map[string]string, error) {
	data, err := s.rdb.Get(ctx, settingsKey(tenantID)).Bytes()
	if err == nil {
		var settings map[string]string
		if json.Unmarshal(data, &settings) == nil && settings != nil {
			return settings, nil
		}
	}

	settings, err := s.primary.GetSettings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, settingsKey(tenantID), settings)
	return settings, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTenants(ctx context.Context) ([]string, error) {
	return s.primary.ListTenants(ctx)
}

func (s *CachedStore) GetCredential(ctx context.Context, tenantID, venue string) (string, error) {
	return s.primary.GetCredential(ctx, tenantID, venue)
}

func (s *CachedStore) SetCredential(ctx context.Context, tenantID, venue, sealed string) error {
	return s.primary.SetCredential(ctx, tenantID, venue, sealed)
}

func (s *CachedStore) InsertTrade(ctx context.Context, trade *model.TradeRecord) error {
	return s.primary.InsertTrade(ctx, trade)
}

func (s *CachedStore) ListTradesSince(ctx context.Context, tenantID string, since time.Time) ([]model.TradeRecord, error) {
	return s.primary.ListTradesSince(ctx, tenantID, since)
}

func (s *CachedStore) ListRecentTrades(ctx context.Context, tenantID string, limit int) ([]model.TradeRecord, error) {
	return s.primary.ListRecentTrades(ctx, tenantID, limit)
}

func (s *CachedStore) ListPositions(ctx context.Context, tenantID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, tenantID)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, tenantID string, pos model.Position) error {
	return s.primary.UpsertPosition(ctx, tenantID, pos)
}

func (s *CachedStore) InsertRiskEvent(ctx context.Context, event *model.RiskEvent) error {
	return s.primary.InsertRiskEvent(ctx, event)
}

func (s *CachedStore) ListRiskEvents(ctx context.Context, tenantID string, limit int) ([]model.RiskEvent, error) {
	return s.primary.ListRiskEvents(ctx, tenantID, limit)
}

func (s *CachedStore) UpdateIdempotencyKeys(ctx context.Context, tenantID string, fn KeyWindowFunc) error {
	return s.primary.UpdateIdempotencyKeys(ctx, tenantID, fn)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func stateKey(tenantID string) string    { return fmt.Sprintf("engine_state:%s", tenantID) }
func settingsKey(tenantID string) string { return fmt.Sprintf("settings:%s", tenantID) }
