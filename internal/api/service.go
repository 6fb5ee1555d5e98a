// Package api provides the operator HTTP surface: per-tenant engine control,
// ledger and risk queries, settings and credentials.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/autotrader/internal/broker"
	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/ledger"
	"github.com/atmx/autotrader/internal/model"
	"github.com/atmx/autotrader/internal/orchestrator"
	"github.com/atmx/autotrader/internal/store"
)

// Controller is the engine supervision the API drives.
type Controller interface {
	Start(ctx context.Context, tenantID string) error
	Pause(ctx context.Context, tenantID string) error
	Kill(ctx context.Context, tenantID string) error
	Resume(ctx context.Context, tenantID string) error
	Stop(ctx context.Context, tenantID string) error
	Running(tenantID string) bool
}

// Service handles tenant operations.
type Service struct {
	store   store.Store
	configs *config.Service
	control Controller
	vault   *orchestrator.Vault
}

// NewService creates the API service.
func NewService(st store.Store, configs *config.Service, control Controller, vault *orchestrator.Vault) *Service {
	return &Service{store: st, configs: configs, control: control, vault: vault}
}

// Routes mounts the tenant endpoints on r (expected under /api/v1).
func (s *Service) Routes(r chi.Router) {
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/start", s.command(s.control.Start, "start"))
		r.Post("/pause", s.command(s.control.Pause, "pause"))
		r.Post("/kill", s.command(s.control.Kill, "kill"))
		r.Post("/resume", s.command(s.control.Resume, "resume"))
		r.Post("/stop", s.command(s.control.Stop, "stop"))

		r.Get("/state", s.GetState)
		r.Get("/trades", s.ListTrades)
		r.Get("/positions", s.ListPositions)
		r.Get("/risk-events", s.ListRiskEvents)
		r.Get("/settings", s.GetSettings)
		r.Put("/settings/{key}", s.PutSetting)
		r.Put("/credentials/{venue}", s.PutCredentials)
	})
}

// --- Request/Response types ---

// StateResponse is the JSON body of state and command responses.
type StateResponse struct {
	TenantID     string         `json:"tenant_id"`
	State        model.RunState `json:"state"`
	Running      bool           `json:"running"`
	KillSwitch   bool           `json:"kill_switch"`
	Paused       bool           `json:"paused"`
	LastCandleTS int64          `json:"last_candle_ts"`
	LastError    string         `json:"last_error,omitempty"`
	DailyPnLPct  float64        `json:"daily_pnl_pct"`
	TradesToday  int            `json:"trades_today"`
}

// SettingRequest is the JSON body of PUT /settings/{key}.
type SettingRequest struct {
	Value string `json:"value"`
}

// SettingsResponse carries the effective configuration and the raw
// per-tenant overrides.
type SettingsResponse struct {
	Effective config.RuntimeConfig `json:"effective"`
	Overrides map[string]string    `json:"overrides"`
}

// --- HTTP Handlers ---

func (s *Service) command(fn func(context.Context, string) error, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "tenantID")
		if err := fn(r.Context(), tenantID); err != nil {
			slog.Error("engine command failed", "tenant", tenantID, "command", name, "err", err)
			writeError(w, err.Error(), statusFor(err))
			return
		}
		slog.Info("engine command", "tenant", tenantID, "command", name)
		s.writeState(w, r, tenantID)
	}
}

// GetState handles GET /api/v1/tenants/{tenantID}/state
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	s.writeState(w, r, chi.URLParam(r, "tenantID"))
}

func (s *Service) writeState(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	state, err := s.store.GetEngineState(ctx, tenantID)
	if err != nil {
		writeError(w, "failed to load engine state", http.StatusInternalServerError)
		return
	}
	trades, err := s.store.ListTradesSince(ctx, tenantID, model.DayStart(time.Now()))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, StateResponse{
		TenantID:     tenantID,
		State:        state.RunState(),
		Running:      s.control.Running(tenantID),
		KillSwitch:   state.KillSwitch,
		Paused:       state.Paused,
		LastCandleTS: state.LastCandleTS,
		LastError:    state.LastError,
		DailyPnLPct:  ledger.DailyPnLPct(trades),
		TradesToday:  len(trades),
	})
}

// ListTrades handles GET /api/v1/tenants/{tenantID}/trades?limit=N
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListRecentTrades(r.Context(), chi.URLParam(r, "tenantID"), limitParam(r))
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListPositions handles GET /api/v1/tenants/{tenantID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListRiskEvents handles GET /api/v1/tenants/{tenantID}/risk-events?limit=N
func (s *Service) ListRiskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListRiskEvents(r.Context(), chi.URLParam(r, "tenantID"), limitParam(r))
	if err != nil {
		writeError(w, "failed to list risk events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.RiskEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetSettings handles GET /api/v1/tenants/{tenantID}/settings
func (s *Service) GetSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	eff, err := s.configs.Load(r.Context(), tenantID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	overrides, err := s.store.GetSettings(r.Context(), tenantID)
	if err != nil {
		writeError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, SettingsResponse{Effective: eff, Overrides: overrides})
}

// PutSetting handles PUT /api/v1/tenants/{tenantID}/settings/{key}
func (s *Service) PutSetting(w http.ResponseWriter, r *http.Request) {
	tenantID, key := chi.URLParam(r, "tenantID"), chi.URLParam(r, "key")
	var req SettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.configs.Update(r.Context(), tenantID, key, req.Value); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	slog.Info("setting updated", "tenant", tenantID, "key", key)
	w.WriteHeader(http.StatusNoContent)
}

// PutCredentials handles PUT /api/v1/tenants/{tenantID}/credentials/{venue}
func (s *Service) PutCredentials(w http.ResponseWriter, r *http.Request) {
	tenantID, venue := chi.URLParam(r, "tenantID"), chi.URLParam(r, "venue")
	var creds broker.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		writeError(w, "api_key and api_secret are required", http.StatusBadRequest)
		return
	}
	if err := s.vault.Put(r.Context(), tenantID, venue, creds); err != nil {
		writeError(w, "failed to store credentials", http.StatusInternalServerError)
		return
	}
	// Never log the keys themselves.
	slog.Info("credentials updated", "tenant", tenantID, "venue", venue)
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrKilled):
		return http.StatusConflict
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, model.ErrUnsupportedTimeframe),
		errors.Is(err, broker.ErrUnknownAdapter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return 50
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
