//go:build integration

// Package containers starts the Postgres and Redis instances used by integration tests.
package containers

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/model-history/model-history/internal/db"
)

// PostgresContainer wraps a testcontainers Postgres instance with the history schema applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sqlx.DB
}

// NewPostgresContainer starts Postgres, migrates it and registers cleanup with t.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("model_history"),
		tcpostgres.WithUsername("history"),
		tcpostgres.WithPassword("history"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	conn, err := db.Connect(ctx, dsn, db.PoolOptions{MaxOpen: 10, MaxIdle: 2})
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.RunMigrations(conn.DB, "up"); err != nil {
		t.Fatalf("failed to migrate postgres: %v", err)
	}

	return &PostgresContainer{Container: container, DSN: dsn, DB: conn}
}
