// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL and SQLite (sources of truth), Redis
// (read-through cache) and in-memory (for testing). Every operation is
// tenant-scoped and safe for concurrent use; callers never hold an external
// lock.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/autotrader/internal/model"
)

// ErrNotFound is returned when a tenant-scoped record does not exist.
var ErrNotFound = errors.New("store: not found")

// KeyWindowFunc receives the current idempotency window (oldest first) and
// returns the new window plus whether it changed. It runs while the store
// holds the tenant's window exclusively.
type KeyWindowFunc func(keys []string) (next []string, changed bool)

// Store is the persistence interface.
type Store interface {
	// --- Engine state ---

	// GetEngineState returns the tenant's state, or the default (paused)
	// state for a tenant that has none yet.
	GetEngineState(ctx context.Context, tenantID string) (model.EngineState, error)

	// UpdateEngineState applies a partial update and stamps UpdatedAt.
	UpdateEngineState(ctx context.Context, tenantID string, patch model.StatePatch) error

	// ListTenants returns every tenant that has persisted engine state.
	ListTenants(ctx context.Context) ([]string, error)

	// --- Settings and credentials ---

	GetSettings(ctx context.Context, tenantID string) (map[string]string, error)
	SetSetting(ctx context.Context, tenantID, key, value string) error

	// GetCredential returns the sealed credential blob for a venue.
	GetCredential(ctx context.Context, tenantID, venue string) (string, error)
	SetCredential(ctx context.Context, tenantID, venue, sealed string) error

	// --- Immutable trade ledger ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, trade *model.TradeRecord) error

	// ListTradesSince returns trades created at or after since, oldest first.
	ListTradesSince(ctx context.Context, tenantID string, since time.Time) ([]model.TradeRecord, error)

	// ListRecentTrades returns the latest trades, newest first.
	ListRecentTrades(ctx context.Context, tenantID string, limit int) ([]model.TradeRecord, error)

	// --- Positions ---

	ListPositions(ctx context.Context, tenantID string) ([]model.Position, error)
	UpsertPosition(ctx context.Context, tenantID string, pos model.Position) error

	// --- Risk audit trail ---

	InsertRiskEvent(ctx context.Context, event *model.RiskEvent) error
	ListRiskEvents(ctx context.Context, tenantID string, limit int) ([]model.RiskEvent, error)

	// --- Idempotency window ---

	// UpdateIdempotencyKeys atomically reads and rewrites the tenant's key
	// window. fn is called exactly once.
	UpdateIdempotencyKeys(ctx context.Context, tenantID string, fn KeyWindowFunc) error
}
