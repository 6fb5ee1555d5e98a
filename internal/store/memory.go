package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/autotrader/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	states      map[string]model.EngineState
	settings    map[string]map[string]string
	credentials map[string]map[string]string
	trades      []model.TradeRecord
	positions   map[string]map[string]model.Position
	riskEvents  []model.RiskEvent
	keys        map[string][]string

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:      make(map[string]model.EngineState),
		settings:    make(map[string]map[string]string),
		credentials: make(map[string]map[string]string),
		positions:   make(map[string]map[string]model.Position),
		keys:        make(map[string][]string),
		now:         time.Now,
	}
}

// SetClock overrides the clock used to stamp UpdatedAt.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) GetEngineState(_ context.Context, tenantID string) (model.EngineState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[tenantID]
	if !ok {
		return model.DefaultEngineState(tenantID), nil
	}
	return st, nil
}

func (s *MemoryStore) UpdateEngineState(_ context.Context, tenantID string, patch model.StatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[tenantID]
	if !ok {
		st = model.DefaultEngineState(tenantID)
	}
	s.states[tenantID] = patch.Apply(st, s.now().UTC())
	return nil
}

func (s *MemoryStore) ListTenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetSettings(_ context.Context, tenantID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.settings[tenantID]))
	for k, v := range s.settings[tenantID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SetSetting(_ context.Context, tenantID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings[tenantID] == nil {
		s.settings[tenantID] = make(map[string]string)
	}
	s.settings[tenantID][key] = value
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, tenantID, venue string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.credentials[tenantID][venue]
	if !ok {
		return "", fmt.Errorf("credential %s/%s: %w", tenantID, venue, ErrNotFound)
	}
	return blob, nil
}

func (s *MemoryStore) SetCredential(_ context.Context, tenantID, venue, sealed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.credentials[tenantID] == nil {
		s.credentials[tenantID] = make(map[string]string)
	}
	s.credentials[tenantID][venue] = sealed
	return nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, trade *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *trade)
	return nil
}

func (s *MemoryStore) ListTradesSince(_ context.Context, tenantID string, since time.Time) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.TenantID == tenantID && !t.CreatedAt.Before(since) {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListRecentTrades(_ context.Context, tenantID string, limit int) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for i := len(s.trades) - 1; i >= 0 && len(result) < limit; i-- {
		if s.trades[i].TenantID == tenantID {
			result = append(result, s.trades[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, tenantID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions[tenantID]))
	for _, p := range s.positions[tenantID] {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, tenantID string, pos model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.positions[tenantID] == nil {
		s.positions[tenantID] = make(map[string]model.Position)
	}
	pos.UpdatedAt = s.now().UTC()
	s.positions[tenantID][pos.Symbol] = pos
	return nil
}

func (s *MemoryStore) InsertRiskEvent(_ context.Context, event *model.RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.riskEvents = append(s.riskEvents, *event)
	return nil
}

func (s *MemoryStore) ListRiskEvents(_ context.Context, tenantID string, limit int) ([]model.RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RiskEvent
	for i := len(s.riskEvents) - 1; i >= 0 && len(result) < limit; i-- {
		if s.riskEvents[i].TenantID == tenantID {
			result = append(result, s.riskEvents[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateIdempotencyKeys(_ context.Context, tenantID string, fn KeyWindowFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := append([]string(nil), s.keys[tenantID]...)
	next, changed := fn(current)
	if changed {
		s.keys[tenantID] = append([]string(nil), next...)
	}
	return nil
}
