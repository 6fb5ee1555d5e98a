package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/autotrader/internal/broker"
	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/orchestrator"
	"github.com/atmx/autotrader/internal/secret"
	"github.com/atmx/autotrader/internal/store"
)

type idleBroker struct{}

func (idleBroker) FetchCandles(context.Context, string, string, int) ([]model.Candle, error) {
	return nil, nil
}
func (idleBroker) GetPositions(context.Context) ([]model.Position, error) { return nil, nil }
func (idleBroker) GetSpread(context.Context, string) (float64, error)     { return 0, nil }
func (idleBroker) PlaceOrder(context.Context, model.OrderIntent) (model.Fill, error) {
	return model.Fill{}, nil
}

type factory struct {
	mu    sync.Mutex
	calls int
	creds []broker.Credentials
}

func (f *factory) build(_ config.RuntimeConfig, creds broker.Credentials) (broker.Broker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.creds = append(f.creds, creds)
	return idleBroker{}, nil
}

func setup(t *testing.T) (*orchestrator.Orchestrator, *store.MemoryStore, *factory, *orchestrator.Vault) {
	t.Helper()
	st := store.NewMemoryStore()
	box, err := secret.NewBox(strings.Repeat("x", 32))
	require.NoError(t, err)
	vault := orchestrator.NewVault(st, box)
	f := &factory{}
	o := orchestrator.New(st, config.NewService(st, config.Defaults()), nil, orchestrator.Options{
		Vault:   vault,
		Brokers: f.build,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o, st, f, vault
}

func TestStartIsIdempotent(t *testing.T) {
	o, st, f, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, "alice"))
	require.NoError(t, o.Start(ctx, "alice"))
	assert.Equal(t, 1, f.calls)
	assert.True(t, o.Running("alice"))
	assert.Equal(t, []string{"alice"}, o.Tenants())

	state, err := st.GetEngineState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, state.RunState())
}

func TestKillBlocksStartUntilResume(t *testing.T) {
	o, st, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, o.Kill(ctx, "alice"))
	assert.ErrorIs(t, o.Start(ctx, "alice"), orchestrator.ErrKilled)
	assert.False(t, o.Running("alice"))

	require.NoError(t, o.Resume(ctx, "alice"))
	assert.True(t, o.Running("alice"))
	state, err := st.GetEngineState(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, state.KillSwitch)
	assert.False(t, state.Paused)
}

func TestPauseAndStop(t *testing.T) {
	o, st, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, "alice"))
	require.NoError(t, o.Pause(ctx, "alice"))
	state, err := st.GetEngineState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, state.RunState())
	assert.True(t, o.Running("alice"), "pause leaves the loop idling")

	require.NoError(t, o.Stop(ctx, "alice"))
	assert.False(t, o.Running("alice"))
	state, err = st.GetEngineState(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, state.Paused)
}

func TestStartDecryptsCredentials(t *testing.T) {
	o, st, f, vault := setup(t)
	ctx := context.Background()

	require.NoError(t, vault.Put(ctx, "alice", "paper", broker.Credentials{APIKey: "k", APISecret: "s"}))
	sealed, err := st.GetCredential(ctx, "alice", "paper")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "api_key", "stored sealed")

	require.NoError(t, o.Start(ctx, "alice"))
	require.Len(t, f.creds, 1)
	assert.Equal(t, broker.Credentials{APIKey: "k", APISecret: "s"}, f.creds[0])
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	o, st, f, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, st.SetSetting(ctx, "alice", "TIMEFRAME", "4h"))

	err := o.Start(ctx, "alice")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Zero(t, f.calls)

	state, serr := st.GetEngineState(ctx, "alice")
	require.NoError(t, serr)
	assert.True(t, state.Paused, "a failed start leaves the tenant paused")
}

func TestAutostartRunningTenants(t *testing.T) {
	o, st, _, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, st.UpdateEngineState(ctx, "alice", model.WithPaused(false)))
	require.NoError(t, st.UpdateEngineState(ctx, "bob", model.WithPaused(true)))
	require.NoError(t, st.UpdateEngineState(ctx, "carol", model.WithKilled(true)))

	require.NoError(t, o.Autostart(ctx))
	assert.Equal(t, []string{"alice"}, o.Tenants())
}

func TestShutdownStopsLoopsButKeepsState(t *testing.T) {
	st := store.NewMemoryStore()
	f := &factory{}
	o := orchestrator.New(st, config.NewService(st, config.Defaults()), nil, orchestrator.Options{Brokers: f.build})
	ctx := context.Background()

	require.NoError(t, o.Start(ctx, "alice"))
	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(sctx))
	assert.False(t, o.Running("alice"))

	state, err := st.GetEngineState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, state.RunState())
}
