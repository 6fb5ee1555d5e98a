package idempotency_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/autotrader/internal/idempotency"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/store"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "BTCUSDT:1700000000:BUY", idempotency.Key("BTCUSDT", 1700000000, model.Buy))
}

func TestCheckAndAddOnce(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewGuard(store.NewMemoryStore(), 0)

	ok, err := g.CheckAndAdd(ctx, "alice", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.CheckAndAdd(ctx, "alice", "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Windows are per tenant.
	ok, err = g.CheckAndAdd(ctx, "bob", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvictionIsFIFO(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewGuard(store.NewMemoryStore(), 2)

	for _, k := range []string{"k1", "k2"} {
		ok, err := g.CheckAndAdd(ctx, "alice", k)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Looking k1 up does not refresh it.
	found, err := g.Exists(ctx, "alice", "k1")
	require.NoError(t, err)
	require.True(t, found)

	ok, err := g.CheckAndAdd(ctx, "alice", "k3")
	require.NoError(t, err)
	require.True(t, ok)

	found, err = g.Exists(ctx, "alice", "k1")
	require.NoError(t, err)
	assert.False(t, found, "oldest key evicted")

	found, err = g.Exists(ctx, "alice", "k2")
	require.NoError(t, err)
	assert.True(t, found)

	ok, err = g.CheckAndAdd(ctx, "alice", "k1")
	require.NoError(t, err)
	assert.True(t, ok, "evicted key may be reused")
}

func TestConcurrentCheckAndAddAdmitsOnce(t *testing.T) {
	ctx := context.Background()
	g := idempotency.NewGuard(store.NewMemoryStore(), 0)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.CheckAndAdd(ctx, "alice", "same")
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted.Load())
}
