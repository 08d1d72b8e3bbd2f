package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/model-history/model-history/internal/api"
	"github.com/model-history/model-history/internal/config"
	"github.com/model-history/model-history/internal/db"
	"github.com/model-history/model-history/internal/db/repositories"
	"github.com/model-history/model-history/internal/fieldconfig"
	"github.com/model-history/model-history/internal/history"
	"github.com/model-history/model-history/internal/history/memstore"
	"github.com/model-history/model-history/internal/lock"
	"github.com/model-history/model-history/internal/shipping"
	"github.com/model-history/model-history/internal/telemetry"
)

// app holds the collaborators shared by the serve and import commands.
type app struct {
	cfg     *config.Config
	fields  *fieldconfig.Loader
	service *history.Service
	shipper *shipping.MultiShipper
	db      *sqlx.DB
	redis   *redis.Client
}

// newApp connects the configured stores and builds the history service over them.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := slog.Default()
	a := &app{cfg: cfg}

	fields, err := fieldconfig.Load(cfg.History.FieldConfigPath, fieldconfig.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to load field configuration: %w", err)
	}
	a.fields = fields
	slog.Info("field configuration loaded", "path", cfg.History.FieldConfigPath, "models", len(fields.Fields().Models()))

	var (
		store  history.Store
		lookup history.EntityLookup
		writer history.SnapshotWriter
	)
	switch cfg.Database.Driver {
	case "postgres":
		database, err := connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.db = database
		telemetry.StartDBStatsCollector(database.DB)

		if cfg.Database.AutoMigrate {
			slog.Info("running database migrations")
			if err := db.RunMigrations(database.DB, "up"); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
			slog.Warn("failed to get migration version", "error", err)
		} else {
			slog.Info("database schema version", "version", version, "dirty", dirty)
		}

		snapshots := repositories.NewSnapshotRepository(database)
		store = repositories.NewHistoryRepository(database)
		lookup, writer = snapshots, snapshots
	default:
		slog.Warn("using the memory database driver, history is lost on restart")
		mem := memstore.New()
		store, lookup, writer = mem, mem.Entities(), mem
	}

	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("connected to redis", "addr", opts.Addr)
	}

	shipper, err := shipping.New(cfg.Shipping.ShipperConfigs(), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialise shippers: %w", err)
	}
	a.shipper = shipper

	recorderOpts := []history.RecorderOption{
		history.WithMaxRetries(cfg.History.MaxRevisionRetries),
		history.WithRecorderLogger(logger),
	}
	if shipper.Len() > 0 {
		recorderOpts = append(recorderOpts, history.WithShipper(shipper))
	}
	if locker := a.locker(); locker != nil {
		recorderOpts = append(recorderOpts, history.WithLocker(locker))
	}
	if cfg.History.StrictAssociations {
		recorderOpts = append(recorderOpts, history.WithStrictAssociations(lookup))
	}

	a.service = history.NewService(fields.Fields(), history.NewRegistry(fields.Fields(), lookup), store, lookup,
		history.WithSnapshotWriter(writer),
		history.WithUserModel(cfg.History.UserModel, cfg.History.UserNameFields...),
		history.WithLogger(logger),
		history.WithRecorderOptions(recorderOpts...),
		history.WithDiffOptions(history.WithLocalization(fields.Catalog()), history.WithDiffLogger(logger)),
	)
	return a, nil
}

func (a *app) locker() history.Locker {
	switch a.cfg.History.Lock.Backend {
	case "redis":
		return lock.NewRedisLocker(a.redis, lock.WithTTL(a.cfg.History.Lock.TTL))
	case "memory":
		return history.NewKeyedMutex()
	default:
		return nil
	}
}

func (a *app) dependencies() api.Dependencies {
	deps := api.Dependencies{
		Config:  a.cfg,
		Service: a.service,
		Fields:  a.fields.Fields(),
		Redis:   a.redis,
	}
	if a.db != nil {
		deps.DB = a.db
	}
	return deps
}

// Close waits for in-flight shipments, flushes the shippers and closes every connection.
func (a *app) Close() {
	var errs []error
	if a.service != nil {
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		errs = append(errs, a.service.Flush(ctx))
		cancel()
	}
	if a.shipper != nil {
		errs = append(errs, a.shipper.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("error while closing resources", "error", err)
	}
}

func connect(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), db.PoolOptions{
		MaxOpen:         cfg.Database.MaxConnections,
		MaxIdle:         cfg.Database.MinIdleConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)
	return database, nil
}
