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

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/audit"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/exposure"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/outcome"
	"github.com/atmx/settlement-engine/internal/scheduler"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
	"github.com/atmx/settlement-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var (
		st      store.Store
		pool    *pgxpool.Pool
		cleanup []func()
	)

	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Migrate {
			if err := store.Migrate(context.Background(), pool); err != nil {
				slog.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- WebSocket hub ---
	hubCtx, stopHub := context.WithCancel(context.Background())
	wsHub := api.NewWSHub()
	go wsHub.Run(hubCtx)

	// --- Audit sink ---
	writers := []audit.Writer{audit.LogWriter{Logger: logger}, wsHub}
	if pool != nil {
		writers = append(writers, audit.NewPostgresWriter(pool))
	}
	sink := audit.NewSink(cfg.AuditQueueSize, logger, writers...)
	sink.Start()

	// --- Settlement engine ---
	seed := cfg.OutcomeSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	led := ledger.New(st)
	engine := trade.NewEngine(st, led, outcome.NewPolicy(outcome.NewLockedSource(seed)), trade.Options{
		Limiter:     exposure.NewLimiter(cfg.MaxStakePerPair, cfg.MaxStakeCorrelated),
		Audit:       sink,
		Logger:      logger,
		ProfitRates: cfg.ProfitRates,
	})

	sched := scheduler.New(engine.Settle, st, scheduler.Config{
		Workers:     cfg.SettleWorkers,
		MaxAttempts: cfg.SettleMaxAttempts,
		SweepSpec:   cfg.SweepSpec,
	}, logger)
	engine.SetScheduler(sched)

	// Recovery runs before the listener opens so no placement races it.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 2*time.Minute)
	if _, err := engine.RecoverPendingTrades(recoverCtx); err != nil {
		slog.Error("pending trade recovery incomplete, sweep will retry", "err", err)
	}
	cancelRecover()
	if err := sched.StartSweep(); err != nil {
		slog.Error("invalid sweep schedule", "spec", cfg.SweepSpec, "err", err)
		os.Exit(1)
	}

	walletSvc := wallet.NewService(st, led, sink, logger)
	handler := api.NewHandler(engine, walletSvc, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Account-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", handler.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", cfg.Port)
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

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	// Pending trades survive in the store and are recovered on next start.
	sched.Stop()
	if err := sink.Close(ctx); err != nil {
		slog.Error("audit flush incomplete", "err", err)
	}
	stopHub()
	fmt.Println("settlement-engine stopped")
}
