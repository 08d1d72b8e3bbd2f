// Package main is the entry point for the model-history server binary.
// It dispatches four subcommands (serve, migrate, import and version) via a simple switch on
// os.Args so the binary's full CLI surface is readable in one place without requiring a cobra
// dependency. The serve command runs auto-migration on startup when database.auto_migrate is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/model-history/model-history/internal/api"
	"github.com/model-history/model-history/internal/config"
	"github.com/model-history/model-history/internal/db"
	"github.com/model-history/model-history/internal/safego"
	"github.com/model-history/model-history/internal/telemetry"
)

const usage = `usage: %s <command>

commands:
  serve                  run the HTTP API (default)
  migrate up|down|version
  import <file.ndjson> [--slug <slug>]
                         record change events from a file, one JSON object per line
  version                print the version
`

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("model-history v%s\n", api.Version)
		return nil
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Execute command
	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf(usage, os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "import":
		if len(os.Args) < 3 {
			return fmt.Errorf(usage, os.Args[0])
		}
		return runImport(cfg, os.Args[2], os.Args)
	default:
		return fmt.Errorf("unknown command: %s\n"+usage, command, os.Args[0])
	}
}

func serve(cfg *config.Config) error {
	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.History.WatchFieldConfig {
		app.fields.Watch()
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not reachable
	// through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := cfg.GetMetricsAddress()
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	// Create router
	router, bgServices := api.NewRouter(app.dependencies())

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"database", cfg.Database.Driver,
			"lock_backend", cfg.History.Lock.Backend,
			"shippers", app.shipper.Len())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop rate limiter goroutines
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations require the postgres database driver, got %s", cfg.Database.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if direction != "version" {
		slog.Info("running migrations", "direction", direction)
		if err := db.RunMigrations(database.DB, direction); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	slog.Info("database schema version", "version", version, "dirty", dirty)
	return nil
}
