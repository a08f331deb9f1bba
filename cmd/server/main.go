/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the late fee engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load LATEFEE_* configuration, apply command-line overrides
  2. Build the logger and Prometheus recorder
  3. Open the store (SQLite or PostgreSQL)
  4. Build the engine from configured modes
  5. Start the scan scheduler (when enabled)
  6. Configure HTTP router and start the server

COMMAND-LINE FLAGS:
  -port       HTTP server port (overrides LATEFEE_PORT)
  -db         SQLite database path (overrides LATEFEE_DB_PATH)
              Use ":memory:" for in-memory database
  -scenarios  Enable demo scenario loading (resets the store!)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler, waiting for a running scan
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/latefee.db"

  # Run against PostgreSQL with JSON logs
  LATEFEE_DB_DRIVER=postgres LATEFEE_DATABASE_URL=postgres://... LATEFEE_LOG_FORMAT=json ./server

  # Demo mode on a throwaway database
  ./server -db=":memory:" -scenarios

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Scheduled scans
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/latefee-engine/api"
	"github.com/warp/latefee-engine/config"
	"github.com/warp/latefee-engine/latefee"
	"github.com/warp/latefee-engine/observability"
	"github.com/warp/latefee-engine/store/postgres"
	"github.com/warp/latefee-engine/store/sqlite"
)

// backend is what both store implementations provide.
type backend interface {
	latefee.DataSource
	api.RuleAdmin
	api.ScanRunLister
	api.ScanStore
	api.ScenarioStore
	api.Pinger
	Close() error
}

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides LATEFEE_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides LATEFEE_DB_PATH)")
	scenarios := flag.Bool("scenarios", false, "Enable demo scenario loading")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	metrics := observability.NewPromRecorder()

	// Initialize store
	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize store", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	engine := latefee.NewEngine(store, latefee.Options{
		CacheTTL:   cfg.RuleCacheTTL,
		Calculator: latefee.NewFeeCalculator(latefee.TieredMode(cfg.TieredMode)),
		Selector: latefee.Selector{
			Order: latefee.ParseRuleOrder(cfg.RuleOrder),
			Grace: latefee.GraceMode(cfg.GraceMode),
		},
		Workers:  cfg.BatchWorkers,
		Logger:   logger,
		Recorder: metrics,
	})

	// Initialize handler
	handler := api.NewHandler(engine, store, store, logger)
	handler.Health = store
	if *scenarios {
		handler.Scenarios = store
		logger.Warn("demo scenarios enabled; loading one resets the store")
	}

	var scheduler *api.ScanScheduler
	if cfg.ScanEnabled {
		scheduler = api.NewScanScheduler(engine, store, api.ScanConfig{
			Schedule:       cfg.ScanSchedule,
			IncludePartial: cfg.ScanIncludePartial,
		}, logger)
		if err := scheduler.Start(); err != nil {
			logger.Error("failed to start scan scheduler", "error", err)
			os.Exit(1)
		}
		handler.Scanner = scheduler
	}

	// Create router
	router := api.NewRouter(handler, api.RouterConfig{
		Metrics: metrics.Handler(),
		Timeout: cfg.RequestTimeout,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"driver", cfg.DBDriver,
			"grace_mode", cfg.GraceMode,
			"tiered_mode", cfg.TieredMode,
			"rule_order", cfg.RuleOrder)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("scan scheduler did not stop cleanly", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.DBDriver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{
			URL:      cfg.DatabaseURL,
			MaxConns: int32(cfg.BatchWorkers + 4),
		})
		if err != nil {
			return nil, err
		}
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: migrate: %w", err)
		}
		return store, nil
	default:
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
