// Package main is a repair tool for dirty migration state in the history database. Dirty state
// occurs when the golang-migrate runner marks a migration version as in-progress (dirty=true) but
// the migration process was interrupted by a crash or timeout before it could complete. This tool
// loads the service configuration, connects to the database, and clears the dirty flag so that the
// migration runner can retry cleanly on the next server startup.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/model-history/model-history/internal/config"
	"github.com/model-history/model-history/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.Connect(ctx, cfg.Database.GetDSN(), db.PoolOptions{MaxOpen: 1, MaxIdle: 1})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	log.Println("Connected to database successfully")

	version, wasDirty, err := db.ClearDirtyMigration(database.DB)
	if err != nil {
		log.Fatalf("Failed to fix dirty state: %v", err)
	}
	if wasDirty {
		log.Printf("Migration state fixed successfully: version=%d", version)
	} else {
		log.Printf("Migration state is already clean: version=%d", version)
	}
}
