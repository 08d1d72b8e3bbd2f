// Package models holds the database row types of the history store and their conversion to the
// engine's types.
package models

import (
	"time"

	"github.com/model-history/model-history/internal/history"
)

// ModelHistory is one row of the model_history table.
type ModelHistory struct {
	ID          string          `db:"id"`
	Model       string          `db:"model"`
	ForeignKey  string          `db:"foreign_key"`
	UserID      *string         `db:"user_id"`
	Action      string          `db:"action"`
	Data        history.Payload `db:"data"`
	Context     history.Payload `db:"context"`
	ContextType *string         `db:"context_type"`
	ContextSlug *string         `db:"context_slug"`
	SaveHash    *string         `db:"save_hash"`
	Revision    int             `db:"revision"`
	Created     time.Time       `db:"created"`
}

// NewModelHistory converts an engine record into its row.
func NewModelHistory(rec *history.AuditRecord) *ModelHistory {
	return &ModelHistory{
		ID:          rec.ID,
		Model:       rec.Model,
		ForeignKey:  rec.ForeignKey,
		UserID:      rec.UserID,
		Action:      string(rec.Action),
		Data:        rec.Data,
		Context:     rec.Context,
		ContextType: rec.ContextType,
		ContextSlug: rec.ContextSlug,
		SaveHash:    rec.SaveHash,
		Revision:    rec.Revision,
		Created:     rec.CreatedAt,
	}
}

// Record converts the row into an engine record.
func (m *ModelHistory) Record() *history.AuditRecord {
	return &history.AuditRecord{
		ID:          m.ID,
		Model:       m.Model,
		ForeignKey:  m.ForeignKey,
		UserID:      m.UserID,
		Action:      history.Action(m.Action),
		Data:        m.Data,
		Context:     m.Context,
		ContextType: m.ContextType,
		ContextSlug: m.ContextSlug,
		SaveHash:    m.SaveHash,
		Revision:    m.Revision,
		CreatedAt:   m.Created.UTC(),
	}
}
