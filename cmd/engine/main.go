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

	"github.com/papertrade/sync-engine/internal/api"
	"github.com/papertrade/sync-engine/internal/config"
	"github.com/papertrade/sync-engine/internal/engine"
	"github.com/papertrade/sync-engine/internal/feed"
	"github.com/papertrade/sync-engine/internal/ledger"
	"github.com/papertrade/sync-engine/internal/metrics"
	"github.com/papertrade/sync-engine/internal/session"
	"github.com/papertrade/sync-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// Environment overrides for deploy-time wiring.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if v := os.Getenv("AUTH_URL"); v != "" {
		cfg.Endpoints.AuthURL = v
	}
	if v := os.Getenv("LEDGER_URL"); v != "" {
		cfg.Endpoints.LedgerURL = v
	}
	if v := os.Getenv("FEED_URL"); v != "" {
		cfg.Endpoints.FeedURL = v
	}

	// --- Persistent state store ---
	var st store.Store
	var cleanup []func()

	switch {
	case os.Getenv("REDIS_URL") != "":
		opt, err := redis.ParseURL(os.Getenv("REDIS_URL"))
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		st = store.NewRedisStore(rdb)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("using Redis state store")

	case os.Getenv("DATABASE_URL") != "":
		pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		cleanup = append(cleanup, pool.Close)
		slog.Info("using PostgreSQL state store")

	default:
		slog.Warn("no REDIS_URL or DATABASE_URL set, using in-memory store (state will not survive restarts)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Collaborators ---
	sessions := session.NewManager(st, session.NewHTTPAuthClient(cfg.Endpoints.AuthURL), nil)

	var ledgerSvc ledger.Service
	if cfg.Endpoints.LedgerURL != "" {
		ledgerSvc = ledger.NewHTTPClient(cfg.Endpoints.LedgerURL, sessions, cfg.Ledger.RateLimitPerMinute)
	} else {
		slog.Warn("no ledger_url configured, balances will not reconcile")
	}

	sub := feed.NewSubscriber()
	if cfg.Endpoints.FeedURL != "" {
		ws := feed.NewWSClient(cfg.Endpoints.FeedURL, sub)
		go ws.Run(ctx)
	} else {
		slog.Warn("no feed_url configured, quotes will not stream")
	}

	// --- Engine ---
	eng := engine.New(st, sessions, ledgerSvc, sub, engine.Options{
		SessionCheckInterval: cfg.SessionCheckInterval(),
		ReconcileInterval:    cfg.ReconcileInterval(),
	})
	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the browser view layer.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"sync-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc := api.NewService(eng)
	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("sync-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down sync-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("sync-engine stopped")
}
