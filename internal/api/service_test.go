package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/autotrader/internal/api"
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

func setupServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	box, err := secret.NewBox(strings.Repeat("k", 32))
	require.NoError(t, err)
	vault := orchestrator.NewVault(st, box)
	configs := config.NewService(st, config.Defaults())
	orch := orchestrator.New(st, configs, nil, orchestrator.Options{
		Vault: vault,
		Brokers: func(config.RuntimeConfig, broker.Credentials) (broker.Broker, error) {
			return idleBroker{}, nil
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewService(st, configs, orch, vault).Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestStartPauseKillResume(t *testing.T) {
	srv, _ := setupServer(t)
	base := srv.URL + "/api/v1/tenants/alice"

	resp := do(t, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[api.StateResponse](t, resp)
	assert.Equal(t, model.StateRunning, state.State)
	assert.True(t, state.Running)

	resp = do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatePaused, decode[api.StateResponse](t, resp).State)

	resp = do(t, http.MethodPost, base+"/kill", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = decode[api.StateResponse](t, resp)
	assert.Equal(t, model.StateKilled, state.State)
	assert.True(t, state.KillSwitch)

	resp = do(t, http.MethodPost, base+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, decode[map[string]string](t, resp)["error"], "kill switch")

	resp = do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StateRunning, decode[api.StateResponse](t, resp).State)

	resp = do(t, http.MethodPost, base+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state = decode[api.StateResponse](t, resp)
	assert.False(t, state.Running)
	assert.Equal(t, model.StatePaused, state.State)
}

func TestStateReportsDailyPnL(t *testing.T) {
	srv, st := setupServer(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.InsertTrade(ctx, &model.TradeRecord{
		ID: "1", TenantID: "alice", Symbol: "BTCUSDT", Side: model.Buy, Quantity: 1, Price: 100, CreatedAt: now,
	}))
	require.NoError(t, st.InsertTrade(ctx, &model.TradeRecord{
		ID: "2", TenantID: "alice", Symbol: "BTCUSDT", Side: model.Sell, Quantity: 1, Price: 90, CreatedAt: now,
	}))

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/tenants/alice/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[api.StateResponse](t, resp)
	assert.Equal(t, 2, state.TradesToday)
	assert.InDelta(t, -10.0/190*100, state.DailyPnLPct, 1e-9)
	assert.Equal(t, model.StatePaused, state.State)
}

func TestListEndpointsReturnEmptyArrays(t *testing.T) {
	srv, _ := setupServer(t)
	for _, path := range []string{"/trades", "/positions", "/risk-events"} {
		resp := do(t, http.MethodGet, srv.URL+"/api/v1/tenants/nobody"+path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, []any{}, decode[[]any](t, resp), path)
	}
}

func TestListTradesHonoursLimit(t *testing.T) {
	srv, st := setupServer(t)
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, st.InsertTrade(ctx, &model.TradeRecord{
			ID: string(rune('a' + i)), TenantID: "alice", Symbol: "ETHUSDT", Side: model.Buy, Quantity: 1, Price: 10,
			CreatedAt: time.Now().UTC(),
		}))
	}
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/tenants/alice/trades?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trades := decode[[]model.TradeRecord](t, resp)
	require.Len(t, trades, 2)
	assert.Equal(t, "e", trades[0].ID, "newest first")
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _ := setupServer(t)
	base := srv.URL + "/api/v1/tenants/alice/settings"

	resp := do(t, http.MethodPut, base+"/MAX_TRADES_PER_DAY", api.SettingRequest{Value: "3"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodPut, base+"/TIMEFRAME", api.SettingRequest{Value: "4h"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, base+"/DATABASE_URL", api.SettingRequest{Value: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	settings := decode[api.SettingsResponse](t, resp)
	assert.Equal(t, 3, settings.Effective.MaxTradesPerDay)
	assert.Equal(t, map[string]string{"MAX_TRADES_PER_DAY": "3"}, settings.Overrides)
}

func TestPutCredentialsSealsAtRest(t *testing.T) {
	srv, st := setupServer(t)
	url := srv.URL + "/api/v1/tenants/alice/credentials/binance"

	resp := do(t, http.MethodPut, url, broker.Credentials{APIKey: "key-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, url, broker.Credentials{APIKey: "key-1", APISecret: "secret-1"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	sealed, err := st.GetCredential(context.Background(), "alice", "binance")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "key-1")
	assert.NotContains(t, sealed, "secret-1")
}

func TestWSHubDeliversNotifications(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Deliver(ctx, "ops", "Trade executed"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "notification", msg.Type)
	assert.Equal(t, "ops", msg.Channel)
	assert.Equal(t, "Trade executed", msg.Text)
}

func TestWSHubDeliversWithoutChannel(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Deliver(ctx, "", "Daily summary: 0 trades"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Empty(t, msg.Channel)
	assert.Equal(t, "Daily summary: 0 trades", msg.Text)
}
