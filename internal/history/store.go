package history

import (
	"context"
	"time"
)

// Store is the append-only persistence of audit records.
type Store interface {
	// MaxRevision returns the highest stored revision for the entity, 0 when it has none.
	MaxRevision(ctx context.Context, model, foreignKey string) (int, error)

	// Insert appends a record. It returns ErrRevisionConflict when the entity already has a
	// record with the same revision.
	Insert(ctx context.Context, rec *AuditRecord) error

	// GetByID returns the record with the given id, or nil when none exists.
	GetByID(ctx context.Context, id string) (*AuditRecord, error)

	// ListBefore returns the entity's records with a revision lower than revision, newest first.
	ListBefore(ctx context.Context, model, foreignKey string, revision int) ([]*AuditRecord, error)

	// List returns one page of records matching q, ordered by revision then creation time, newest first.
	List(ctx context.Context, q HistoryQuery) ([]*AuditRecord, error)

	// Count returns the number of records matching q, ignoring paging.
	Count(ctx context.Context, q HistoryQuery) (int, error)
}

// HistoryQuery selects the records of one entity.
type HistoryQuery struct {
	Model      string
	ForeignKey string

	// PageSize limits the page length. Zero or less returns every matching record.
	PageSize int
	// Page is 1-based.
	Page int

	// IncludeAssociated widens the selection to every record sharing a save hash with one of the
	// entity's own records, such as fan-out records on related entities.
	IncludeAssociated bool

	Filters HistoryFilters
}

// Offset returns the number of records skipped before the page.
func (q HistoryQuery) Offset() int {
	if q.PageSize <= 0 || q.Page <= 1 {
		return 0
	}
	return (q.Page - 1) * q.PageSize
}

// HistoryFilters narrows a HistoryQuery. Empty fields do not filter.
type HistoryFilters struct {
	Action      Action
	UserID      string
	ContextType string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}
