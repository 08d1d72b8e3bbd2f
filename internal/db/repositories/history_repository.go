// history_repository.go implements HistoryRepository, the Postgres backed history.Store. Records
// are append-only; the unique (model, foreign_key, revision) index turns concurrent revision
// assignment into history.ErrRevisionConflict.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/model-history/model-history/internal/db/models"
	"github.com/model-history/model-history/internal/history"
)

// uniqueViolation is the Postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

const historyColumns = `id, model, foreign_key, user_id, action, data, context,
	context_type, context_slug, save_hash, revision, created`

// HistoryRepository handles model_history database operations
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository creates a new HistoryRepository
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// MaxRevision returns the highest revision stored for the entity, 0 when it has none
func (r *HistoryRepository) MaxRevision(ctx context.Context, model, foreignKey string) (int, error) {
	var max int
	query := `SELECT COALESCE(MAX(revision), 0) FROM model_history WHERE model = $1 AND foreign_key = $2`
	if err := r.db.GetContext(ctx, &max, query, model, foreignKey); err != nil {
		return 0, fmt.Errorf("failed to get max revision: %w", err)
	}
	return max, nil
}

// Insert appends a record
func (r *HistoryRepository) Insert(ctx context.Context, rec *history.AuditRecord) error {
	query := `
		INSERT INTO model_history (` + historyColumns + `)
		VALUES (:id, :model, :foreign_key, :user_id, :action, :data, :context,
			:context_type, :context_slug, :save_hash, :revision, :created)`

	_, err := r.db.NamedExecContext(ctx, query, models.NewModelHistory(rec))
	if isUniqueViolation(err) {
		return history.ErrRevisionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// GetByID retrieves a record by ID. Unknown and malformed ids return nil.
func (r *HistoryRepository) GetByID(ctx context.Context, id string) (*history.AuditRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var row models.ModelHistory
	query := `SELECT ` + historyColumns + ` FROM model_history WHERE id = $1`
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history record: %w", err)
	}
	return row.Record(), nil
}

// ListBefore returns the entity's records older than revision, newest first
func (r *HistoryRepository) ListBefore(ctx context.Context, model, foreignKey string, revision int) ([]*history.AuditRecord, error) {
	var rows []*models.ModelHistory
	query := `
		SELECT ` + historyColumns + `
		FROM model_history
		WHERE model = $1 AND foreign_key = $2 AND revision < $3
		ORDER BY revision DESC`
	if err := r.db.SelectContext(ctx, &rows, query, model, foreignKey, revision); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return toRecords(rows), nil
}

// List returns one page of records matching q, newest first
func (r *HistoryRepository) List(ctx context.Context, q history.HistoryQuery) ([]*history.AuditRecord, error) {
	where, args, paramIndex := historyWhere(q)
	query := `SELECT ` + historyColumns + ` FROM model_history WHERE ` + where +
		` ORDER BY revision DESC, created DESC`

	if q.PageSize > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
		args = append(args, q.PageSize, q.Offset())
	}

	var rows []*models.ModelHistory
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return toRecords(rows), nil
}

// Count returns the number of records matching q
func (r *HistoryRepository) Count(ctx context.Context, q history.HistoryQuery) (int, error) {
	where, args, _ := historyWhere(q)
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM model_history WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return total, nil
}

// Stats returns per-model record and entity counts, ordered by model
func (r *HistoryRepository) Stats(ctx context.Context) ([]models.ModelStats, error) {
	query := `
		SELECT model, COUNT(*) AS records, COUNT(DISTINCT foreign_key) AS entities, MAX(created) AS last_write
		FROM model_history
		GROUP BY model
		ORDER BY model`

	var stats []models.ModelStats
	if err := r.db.SelectContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("failed to get history stats: %w", err)
	}
	return stats, nil
}

// historyWhere builds the condition selecting q's records and returns it with its arguments and
// the next free placeholder index. With IncludeAssociated the entity's own records select the
// save hashes, and every record carrying one of them matches.
func historyWhere(q history.HistoryQuery) (string, []interface{}, int) {
	conds := []string{`model = $1`, `foreign_key = $2`}
	args := []interface{}{q.Model, q.ForeignKey}
	paramIndex := 3

	f := q.Filters
	if f.Action != "" {
		conds = append(conds, fmt.Sprintf(`action = $%d`, paramIndex))
		args = append(args, string(f.Action))
		paramIndex++
	}
	if f.UserID != "" {
		conds = append(conds, fmt.Sprintf(`user_id = $%d`, paramIndex))
		args = append(args, f.UserID)
		paramIndex++
	}
	if f.ContextType != "" {
		conds = append(conds, fmt.Sprintf(`context_type = $%d`, paramIndex))
		args = append(args, f.ContextType)
		paramIndex++
	}
	if f.CreatedFrom != nil {
		conds = append(conds, fmt.Sprintf(`created >= $%d`, paramIndex))
		args = append(args, *f.CreatedFrom)
		paramIndex++
	}
	if f.CreatedTo != nil {
		conds = append(conds, fmt.Sprintf(`created <= $%d`, paramIndex))
		args = append(args, *f.CreatedTo)
		paramIndex++
	}

	own := strings.Join(conds, ` AND `)
	if !q.IncludeAssociated {
		return own, args, paramIndex
	}
	return `save_hash IN (SELECT save_hash FROM model_history WHERE ` + own + ` AND save_hash IS NOT NULL)`, args, paramIndex
}

func toRecords(rows []*models.ModelHistory) []*history.AuditRecord {
	out := make([]*history.AuditRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Record())
	}
	return out
}
