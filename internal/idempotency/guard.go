// Package idempotency keeps a per-tenant window of recently acted-on
// decision keys so the same closed candle never produces two orders.
package idempotency

import (
	"context"
	"fmt"
	"slices"

	"github.com/atmx/autotrader/internal/metrics"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/store"
)

// DefaultMaxKeys is the window size used when none is given.
const DefaultMaxKeys = 100

// Key builds the decision key for a signal on a closed candle.
func Key(symbol string, candleTS int64, side model.Side) string {
	return fmt.Sprintf("%s:%d:%s", symbol, candleTS, side)
}

// Guard is a FIFO-bounded key set persisted through the store. Eviction is
// by insertion order; lookups do not refresh a key.
type Guard struct {
	store   store.Store
	maxKeys int
}

// NewGuard creates a guard over st. A non-positive maxKeys selects
// DefaultMaxKeys.
func NewGuard(st store.Store, maxKeys int) *Guard {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Guard{store: st, maxKeys: maxKeys}
}

// CheckAndAdd records key and returns true the first time it is seen while
// in the window, false otherwise. A false result leaves the window untouched.
func (g *Guard) CheckAndAdd(ctx context.Context, tenantID, key string) (bool, error) {
	added := false
	err := g.store.UpdateIdempotencyKeys(ctx, tenantID, func(keys []string) ([]string, bool) {
		if slices.Contains(keys, key) {
			return keys, false
		}
		added = true
		keys = append(keys, key)
		if over := len(keys) - g.maxKeys; over > 0 {
			keys = keys[over:]
		}
		return keys, true
	})
	if err != nil {
		return false, fmt.Errorf("idempotency window %s: %w", tenantID, err)
	}
	if !added {
		metrics.IdempotencyHits.Inc()
	}
	return added, nil
}

// Exists reports whether key is currently in the window.
func (g *Guard) Exists(ctx context.Context, tenantID, key string) (bool, error) {
	found := false
	err := g.store.UpdateIdempotencyKeys(ctx, tenantID, func(keys []string) ([]string, bool) {
		found = slices.Contains(keys, key)
		return keys, false
	})
	if err != nil {
		return false, fmt.Errorf("idempotency window %s: %w", tenantID, err)
	}
	return found, nil
}
