// Package db manages the Postgres connection and the schema of the history store.
// Migrations are embedded in the binary so the server and the migrate subcommand apply them
// without external tooling.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PoolOptions sizes the connection pool.
type PoolOptions struct {
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

// Connect opens the Postgres database and verifies it answers within ctx.
func Connect(ctx context.Context, dsn string, pool PoolOptions) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies ("up") or rolls back ("down") every embedded migration.
func RunMigrations(db *sql.DB, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("invalid migration direction: %s (must be 'up' or 'down')", direction)
	}

	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run %s migrations: %w", direction, err)
	}
	return nil
}

// GetMigrationVersion returns the applied schema version. A database without any applied
// migration reports version 0.
func GetMigrationVersion(db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// ClearDirtyMigration marks the applied schema version clean after a migration was interrupted,
// so the next run can retry it. It reports the version and whether it was dirty.
func ClearDirtyMigration(db *sql.DB) (version uint, wasDirty bool, err error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	if !dirty {
		return version, false, nil
	}

	if err := m.Force(int(version)); err != nil {
		return version, true, fmt.Errorf("failed to clear dirty state of version %d: %w", version, err)
	}
	return version, true, nil
}
