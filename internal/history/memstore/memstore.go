// Package memstore keeps audit records and entity snapshots in memory. It backs the engine's tests
// and the service's memory database driver.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/model-history/model-history/internal/history"
)

type entityKey struct {
	model, id string
}

type revisionKey struct {
	model, id string
	revision  int
}

// Store implements history.Store and history.SnapshotWriter. Entities exposes the stored
// snapshots as a history.EntityLookup.
type Store struct {
	mu        sync.RWMutex
	records   []*history.AuditRecord
	byID      map[string]*history.AuditRecord
	revisions map[revisionKey]struct{}
	entities  map[entityKey]history.Snapshot

	// beforeInsert, when set, runs inside Insert before the uniqueness check.
	beforeInsert func(rec *history.AuditRecord)
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:      make(map[string]*history.AuditRecord),
		revisions: make(map[revisionKey]struct{}),
		entities:  make(map[entityKey]history.Snapshot),
	}
}

// OnInsert registers fn to run at the start of every Insert. Tests use it to simulate a writer
// racing for the same revision.
func (s *Store) OnInsert(fn func(rec *history.AuditRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeInsert = fn
}

// MaxRevision implements history.Store.
func (s *Store) MaxRevision(_ context.Context, model, foreignKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, rec := range s.records {
		if rec.Model == model && rec.ForeignKey == foreignKey && rec.Revision > max {
			max = rec.Revision
		}
	}
	return max, nil
}

// Insert implements history.Store.
func (s *Store) Insert(_ context.Context, rec *history.AuditRecord) error {
	s.mu.RLock()
	hook := s.beforeInsert
	s.mu.RUnlock()
	if hook != nil {
		hook(rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := revisionKey{rec.Model, rec.ForeignKey, rec.Revision}
	if _, exists := s.revisions[key]; exists {
		return history.ErrRevisionConflict
	}
	stored := clone(rec)
	s.records = append(s.records, stored)
	s.byID[stored.ID] = stored
	s.revisions[key] = struct{}{}
	return nil
}

// GetByID implements history.Store.
func (s *Store) GetByID(_ context.Context, id string) (*history.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return clone(rec), nil
}

// ListBefore implements history.Store.
func (s *Store) ListBefore(_ context.Context, model, foreignKey string, revision int) ([]*history.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*history.AuditRecord
	for _, rec := range s.records {
		if rec.Model == model && rec.ForeignKey == foreignKey && rec.Revision < revision {
			out = append(out, clone(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Revision > out[j].Revision })
	return out, nil
}

// List implements history.Store.
func (s *Store) List(_ context.Context, q history.HistoryQuery) ([]*history.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := s.match(q)
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Revision != matched[j].Revision {
			return matched[i].Revision > matched[j].Revision
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if q.PageSize > 0 {
		offset := q.Offset()
		if offset >= len(matched) {
			return []*history.AuditRecord{}, nil
		}
		end := offset + q.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[offset:end]
	}

	out := make([]*history.AuditRecord, 0, len(matched))
	for _, rec := range matched {
		out = append(out, clone(rec))
	}
	return out, nil
}

// Count implements history.Store.
func (s *Store) Count(_ context.Context, q history.HistoryQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.match(q)), nil
}

// match returns the stored records selected by q. Callers hold the read lock.
func (s *Store) match(q history.HistoryQuery) []*history.AuditRecord {
	own := func(rec *history.AuditRecord) bool {
		return rec.Model == q.Model && rec.ForeignKey == q.ForeignKey && matchesFilters(rec, q.Filters)
	}

	var out []*history.AuditRecord
	if !q.IncludeAssociated {
		for _, rec := range s.records {
			if own(rec) {
				out = append(out, rec)
			}
		}
		return out
	}

	hashes := make(map[string]struct{})
	for _, rec := range s.records {
		if own(rec) && rec.SaveHash != nil {
			hashes[*rec.SaveHash] = struct{}{}
		}
	}
	for _, rec := range s.records {
		if rec.SaveHash == nil {
			continue
		}
		if _, ok := hashes[*rec.SaveHash]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func matchesFilters(rec *history.AuditRecord, f history.HistoryFilters) bool {
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.UserID != "" && (rec.UserID == nil || *rec.UserID != f.UserID) {
		return false
	}
	if f.ContextType != "" && (rec.ContextType == nil || *rec.ContextType != f.ContextType) {
		return false
	}
	if f.CreatedFrom != nil && rec.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && rec.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

// GetEntity returns a copy of the stored snapshot, or history.ErrEntityNotFound.
func (s *Store) GetEntity(_ context.Context, model, id string) (history.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.entities[entityKey{model, id}]
	if !ok {
		return nil, history.ErrEntityNotFound
	}
	out := make(history.Snapshot, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out, nil
}

// PutSnapshot implements history.SnapshotWriter.
func (s *Store) PutSnapshot(_ context.Context, model, id string, snapshot history.Snapshot) error {
	cp := make(history.Snapshot, len(snapshot))
	for k, v := range snapshot {
		cp[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityKey{model, id}] = cp
	return nil
}

// DeleteSnapshot implements history.SnapshotWriter.
func (s *Store) DeleteSnapshot(_ context.Context, model, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, entityKey{model, id})
	return nil
}

// Entities returns an EntityLookup view over the stored snapshots.
func (s *Store) Entities() history.EntityLookup {
	return entityLookup{s}
}

type entityLookup struct{ s *Store }

func (l entityLookup) GetByID(ctx context.Context, model, id string) (history.Snapshot, error) {
	return l.s.GetEntity(ctx, model, id)
}

func clone(rec *history.AuditRecord) *history.AuditRecord {
	cp := *rec
	cp.Data = rec.Data.Clone()
	cp.Context = rec.Context.Clone()
	return &cp
}
