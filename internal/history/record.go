// Package history implements the revisioning and diff engine: it turns entity change events into
// append-only, per-entity numbered revisions, fans association changes out to the related entities,
// and rebuilds a three-bucket diff between any stored revision and the live entity.
//
// The package owns no storage or configuration of its own. Field configuration, entity lookup,
// localization, persistence and locking are injected through the interfaces in this package so
// the same engine runs against Postgres in production and an in-memory store in tests.
package history

import (
	"time"
)

// Action is the kind of change a revision records.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionComment Action = "comment"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionComment:
		return true
	}
	return false
}

// ObfuscationMarker replaces the stored value of every obfuscated field.
const ObfuscationMarker = "****************"

// Snapshot is the full field name to value view of a tracked entity at one point in time.
type Snapshot map[string]any

// AuditRecord is one stored revision of a tracked entity.
type AuditRecord struct {
	ID          string       `json:"id"`
	Model       string       `json:"model"`
	ForeignKey  string       `json:"foreign_key"`
	UserID      *string      `json:"user_id,omitempty"`
	Action      Action       `json:"action"`
	Data        Payload      `json:"data"`
	Context     Payload      `json:"context"`
	ContextType *string      `json:"context_type,omitempty"`
	ContextSlug *string      `json:"context_slug,omitempty"`
	SaveHash    *string      `json:"save_hash,omitempty"`
	Revision    int          `json:"revision"`
	CreatedAt   time.Time    `json:"created"`
	User        *UserSummary `json:"user,omitempty"` // resolved by the query layer, never stored
}

// UserSummary is the display form of the actor attached to a record.
type UserSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Change is one entity change event handed to the Recorder.
type Change struct {
	Model      string
	ForeignKey string
	Action     Action
	UserID     string

	// Snapshot is the full entity after the change. It is the source of field values unless
	// Data is set.
	Snapshot Snapshot

	// DirtyFields lists the fields touched by an update. A nil slice keeps every saveable field.
	DirtyFields []string

	// Data overrides Snapshot as the value source. Comments carry their text here under "comment".
	Data Snapshot

	// Context describes where the change originated. It is shared by every record the change produces.
	Context ContextProvider

	// SaveHash correlates records of one logical save across calls. Generated when empty.
	SaveHash string
}

// EntityWithHistory is a live entity together with its full revision list, newest first.
type EntityWithHistory struct {
	Model      string         `json:"model"`
	ForeignKey string         `json:"foreign_key"`
	Entity     Snapshot       `json:"entity"`
	History    []*AuditRecord `json:"model_history"`
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
