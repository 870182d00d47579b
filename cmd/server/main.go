/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.yaml + environment, flags override)
  2. Initialize logger and metrics
  3. Open the ledger store selected by STORE_DRIVER
  4. Connect the Redis bin projection when REDIS_ADDR is set
  5. Create engine, handlers and router
  6. Start the drift verification scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides HTTP_PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  STORE_DRIVER                memory | sqlite | postgres (default sqlite)
  DATABASE_URL                Postgres connection string
  REDIS_ADDR                  Enables the bin projection
  LEDGER_ALLOW_NEGATIVE_STOCK Default negative stock policy
  LEDGER_LOCK_TIMEOUT         Partition lock wait, e.g. 5s
  VERIFY_INTERVAL             Drift check interval, 0 disables
  VERIFY_AUTO_REPAIR          Rewrite drifted partitions
  LOG_LEVEL, APP_ENV          Logging

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close store and Redis connections
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - ledger/engine.go: Posting coordinator
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/bincache"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/metrics"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}

	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
	m := metrics.New(metrics.DefaultConfig())

	ctx := context.Background()

	// Initialize store
	st, ping, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to initialize store")
	}
	defer closeStore()

	opts := ledger.Options{
		Calculator:         cfg.Ledger.Calculator(),
		Policies:           cfg.Ledger.Policies(),
		LockTimeout:        cfg.Ledger.LockTimeout,
		MaxConflictRetries: cfg.Ledger.MaxConflictRetries,
		Logger:             &log,
		Metrics:            m,
	}

	var bins *bincache.Publisher
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, bin publishes will fail until it recovers")
		}
		bins = bincache.NewPublisher(rdb, bincache.DefaultConfig(), log, m)
		opts.Publisher = bins
	}

	engine := ledger.NewEngine(st, opts)

	handler := api.NewHandler(engine)
	handler.Ping = func(r *http.Request) error { return ping(r.Context()) }
	if rs, ok := st.(interface{ Reset(context.Context) error }); ok {
		handler.Reset = rs.Reset
	}
	if bins != nil {
		handler.Bins = bins
	}
	router := api.NewRouter(handler, m, log)

	scheduler := api.NewVerificationScheduler(engine, log)
	scheduler.Metrics = m
	scheduler.CheckInterval = cfg.Verify.Interval
	scheduler.AutoRepair = cfg.Verify.AutoRepair
	handler.Scheduler = scheduler
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Str("driver", cfg.Store.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	scheduler.Stop()

	log.Info().Msg("server stopped")
}

// openStore returns the ledger store for the configured driver, a ping
// function for health checks, and a close function.
func openStore(ctx context.Context, cfg *config.Config) (ledger.TxStore, func(context.Context) error, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), func(context.Context) error { return nil }, func() {}, nil

	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := postgres.New(ctx, pool, cfg.Ledger.LockTimeout)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return s, s.Ping, s.Close, nil

	default:
		if path := cfg.Store.SQLitePath; path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, nil, nil, err
			}
		}
		s, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Ping, func() { _ = s.Close() }, nil
	}
}
