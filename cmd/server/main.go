package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/autotrader/internal/api"
	"github.com/atmx/autotrader/internal/broker"
	"github.com/atmx/autotrader/internal/config"
	"github.com/atmx/autotrader/internal/metrics"
	"github.com/atmx/autotrader/internal/notify"
	"github.com/atmx/autotrader/internal/orchestrator"
	"github.com/atmx/autotrader/internal/secret"
	"github.com/atmx/autotrader/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	settings, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	switch {
	case settings.DatabaseURL != "":
		pool, err := pgxpool.New(context.Background(), settings.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case settings.SQLitePath != "":
		lite, err := store.NewSQLiteStore(settings.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", settings.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", settings.SQLitePath)
	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if settings.RedisURL != "" {
		opt, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, 30*time.Second)
		slog.Info("Redis cache enabled")
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Credentials ---
	box, err := secret.NewBox(settings.CredentialKey)
	if err != nil {
		slog.Error("invalid CREDENTIAL_KEY", "err", err)
		os.Exit(1)
	}
	if !box.Enabled() {
		slog.Warn("CREDENTIAL_KEY not set, venue credentials are stored unencrypted")
	}
	vault := orchestrator.NewVault(st, box)

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// --- WebSocket hub and notifications ---
	wsHub := api.NewWSHub()
	go wsHub.Run(bg)

	senders := notify.Fanout{wsHub}
	if settings.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(settings.TelegramBotToken, settings.TelegramBaseURL)
		if err != nil {
			slog.Error("telegram setup failed", "err", err)
			os.Exit(1)
		}
		senders = append(senders, tg)
		slog.Info("Telegram notifications enabled")
	}
	notifier := notify.New(senders)
	go notifier.Run(bg)

	// --- Orchestrator ---
	configs := config.NewService(st, settings)
	orch := orchestrator.New(st, configs, notifier, orchestrator.Options{
		Vault: vault,
		BrokerOptions: broker.Options{
			BinanceBaseURL: settings.BinanceBaseURL,
			BridgeURL:      settings.BridgeURL,
		},
	})
	if settings.Autostart {
		if err := orch.Autostart(context.Background()); err != nil {
			slog.Error("autostart failed", "err", err)
		}
	}

	tenantSvc := api.NewService(st, configs, orch, vault)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the operator console.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"autotrader"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live notifications; no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tenantSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + settings.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("autotrader listening", "port", settings.Port, "mode", settings.Mode, "adapter", settings.Adapter)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down autotrader...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	// Loops stop without touching persisted state so autostart resumes them.
	if err := orch.Shutdown(ctx); err != nil {
		slog.Error("engine shutdown error", "err", err)
	}
	if n := notifier.Pending(); n > 0 {
		slog.Warn("dropping queued notifications", "count", n)
	}
	stopBackground()
	fmt.Println("autotrader stopped")
}
