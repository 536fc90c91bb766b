package main

import (
	"context"
	"errors"
	"flag"
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

	"github.com/atmx/exec-engine/internal/config"
	"github.com/atmx/exec-engine/internal/engine"
	"github.com/atmx/exec-engine/internal/exchange"
	"github.com/atmx/exec-engine/internal/execution"
	"github.com/atmx/exec-engine/internal/exposure"
	"github.com/atmx/exec-engine/internal/lifecycle"
	"github.com/atmx/exec-engine/internal/metrics"
	"github.com/atmx/exec-engine/internal/store"
	"github.com/atmx/exec-engine/internal/strategy"
	"github.com/atmx/exec-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pairs := cfg.Pairs()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := cfg.Store.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Store.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL, cfg.Store.CachePrefix)
			slog.Info("Redis cache enabled")
		}
	} else if cfg.Store.StateFile != "" {
		st = store.NewFileStore(cfg.Store.StateFile)
		slog.Info("using JSON state file", "path", cfg.Store.StateFile)
	} else {
		slog.Warn("no DATABASE_URL or STATE_FILE, using in-memory store (positions will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Venue ---
	// Market data always comes from Binance; orders go there only in LIVE.
	bnc := exchange.NewBinance(cfg.Binance)
	var broker execution.Broker
	var account execution.Account
	if cfg.Execution.Live() {
		if err := bnc.SyncTime(ctx); err != nil {
			slog.Error("exchange time sync failed", "err", err)
			os.Exit(1)
		}
		broker, account = bnc, bnc
		slog.Warn("LIVE trading enabled", "testnet", cfg.Binance.Testnet)
	} else {
		sim := exchange.NewSimulated(cfg.Simulated, bnc, pairs)
		broker, account = sim, sim
		slog.Info("simulated venue", "quote", cfg.Simulated.QuoteAsset, "balance", cfg.Simulated.StartingBalance.String())
	}

	// --- Executor ---
	kill := execution.NewKillSwitch(cfg.KillSwitch)
	exec, err := execution.NewExecutor(cfg.Execution, broker, bnc, kill, execution.WithJournal(st))
	if err != nil {
		slog.Error("executor setup failed", "err", err)
		os.Exit(1)
	}

	// --- Strategy ---
	strat, err := strategy.DefaultRegistry().Build(cfg.Strategy, strategy.Deps{
		Lifecycle: lifecycle.NewManager(cfg.Lifecycle),
	})
	if err != nil {
		slog.Error("strategy setup failed", "strategy", cfg.Strategy, "err", err)
		os.Exit(1)
	}

	// --- Position limits ---
	limiter := exposure.NewLimiter(
		cfg.Engine.MaxSymbolWeight,
		cfg.Exposure.MaxCorrelatedWeight,
		cfg.Engine.MaxConcurrentPositions,
		exposure.BaseAssetGroups(pairs.Base, cfg.Exposure.GroupOverrides),
	)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	eng, err := engine.New(ctx, cfg.Engine, engine.Deps{
		Executor: exec,
		Market:   bnc,
		Account:  account,
		Strategy: strat,
		Store:    st,
		Limiter:  limiter,
		Notifier: wsHub,
	})
	if err != nil {
		slog.Error("engine setup failed", "err", err)
		os.Exit(1)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("trading loop stopped", "err", err)
		}
	}()

	// --- Admin service ---
	tradeSvc := trade.NewService(eng, st, pairs, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the operator dashboard.
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
		fmt.Fprintf(w, `{"status":"ok","service":"exec-engine","mode":%q}`, cfg.Execution.Mode)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for position and order events.
		r.Get("/ws", wsHub.HandleWS)
		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exec-engine listening",
			"port", cfg.Server.Port,
			"mode", cfg.Execution.Mode,
			"symbols", cfg.Engine.Symbols,
			"strategy", cfg.Strategy,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down exec-engine...")
	cancel()
	<-loopDone

	// Closing positions may need several order round trips.
	engCtx, engCancel := context.WithTimeout(context.Background(), cfg.Execution.OrderTimeout*time.Duration(len(eng.Positions())+1))
	defer engCancel()
	if err := eng.Shutdown(engCtx); err != nil {
		slog.Error("engine shutdown error", "err", err)
	}

	srvCtx, srvCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer srvCancel()
	if err := srv.Shutdown(srvCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exec-engine stopped")
}
