package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/model-history/model-history/internal/history"
)

// EntitySnapshot is the last known state of a tracked entity.
type EntitySnapshot struct {
	Model      string    `db:"model"`
	ForeignKey string    `db:"foreign_key"`
	Data       []byte    `db:"data"` // JSONB, numbers decode as json.Number
	UpdatedAt  time.Time `db:"updated_at"`
}

// Snapshot decodes the stored entity state.
func (e *EntitySnapshot) Snapshot() (history.Snapshot, error) {
	snap := history.Snapshot{}
	if len(e.Data) == 0 {
		return snap, nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.Data))
	dec.UseNumber()
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot of %s/%s: %w", e.Model, e.ForeignKey, err)
	}
	return snap, nil
}
