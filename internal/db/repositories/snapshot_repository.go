// snapshot_repository.go implements SnapshotRepository, which keeps the last known state of
// every tracked entity. It is the service's history.EntityLookup and history.SnapshotWriter.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/model-history/model-history/internal/db/models"
	"github.com/model-history/model-history/internal/history"
)

// SnapshotRepository handles entity_snapshots database operations
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository creates a new SnapshotRepository
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// GetByID returns the stored state of an entity, or history.ErrEntityNotFound
func (r *SnapshotRepository) GetByID(ctx context.Context, model, id string) (history.Snapshot, error) {
	var row models.EntitySnapshot
	query := `SELECT model, foreign_key, data, updated_at FROM entity_snapshots WHERE model = $1 AND foreign_key = $2`
	err := r.db.GetContext(ctx, &row, query, model, id)
	if err == sql.ErrNoRows {
		return nil, history.ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return row.Snapshot()
}

// PutSnapshot creates or replaces the stored state of an entity
func (r *SnapshotRepository) PutSnapshot(ctx context.Context, model, id string, snapshot history.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	query := `
		INSERT INTO entity_snapshots (model, foreign_key, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model, foreign_key)
		DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, model, id, data, time.Now()); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the stored state of an entity. Deleting an unknown entity is not an error.
func (r *SnapshotRepository) DeleteSnapshot(ctx context.Context, model, id string) error {
	query := `DELETE FROM entity_snapshots WHERE model = $1 AND foreign_key = $2`
	if _, err := r.db.ExecContext(ctx, query, model, id); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
