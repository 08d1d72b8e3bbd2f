package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Service is the entry point used by the API and the command line tools. It records changes,
// keeps the live entity snapshots current and answers history and diff queries.
type Service struct {
	configs  FieldConfigProvider
	registry *Registry
	store    Store
	lookup   EntityLookup
	writer   SnapshotWriter

	recorder *Recorder
	differ   *DiffEngine

	userModel      string
	userNameFields []string
	logger         *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	writer         SnapshotWriter
	userModel      string
	userNameFields []string
	logger         *slog.Logger
	recorderOpts   []RecorderOption
	diffOpts       []DiffOption
}

// WithSnapshotWriter keeps the live entity state current with every recorded change.
func WithSnapshotWriter(w SnapshotWriter) ServiceOption {
	return func(o *serviceOptions) { o.writer = w }
}

// WithUserModel resolves record actors as entities of model, named by joining nameFields.
func WithUserModel(model string, nameFields ...string) ServiceOption {
	return func(o *serviceOptions) {
		o.userModel = model
		o.userNameFields = nameFields
	}
}

// WithLogger sets the logger of the service and of the recorder and diff engine it builds.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// WithRecorderOptions passes options to the service's Recorder.
func WithRecorderOptions(opts ...RecorderOption) ServiceOption {
	return func(o *serviceOptions) { o.recorderOpts = append(o.recorderOpts, opts...) }
}

// WithDiffOptions passes options to the service's DiffEngine.
func WithDiffOptions(opts ...DiffOption) ServiceOption {
	return func(o *serviceOptions) { o.diffOpts = append(o.diffOpts, opts...) }
}

// NewService wires a Recorder and DiffEngine over the given collaborators.
func NewService(configs FieldConfigProvider, registry *Registry, store Store, lookup EntityLookup, opts ...ServiceOption) *Service {
	o := serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	recorderOpts := append([]RecorderOption{WithRecorderLogger(o.logger)}, o.recorderOpts...)
	diffOpts := append([]DiffOption{WithDiffLogger(o.logger)}, o.diffOpts...)

	return &Service{
		configs:        configs,
		registry:       registry,
		store:          store,
		lookup:         lookup,
		writer:         o.writer,
		recorder:       NewRecorder(configs, registry, store, recorderOpts...),
		differ:         NewDiffEngine(configs, registry, store, lookup, diffOpts...),
		userModel:      o.userModel,
		userNameFields: o.userNameFields,
		logger:         o.logger,
	}
}

// Record stores the change and, once it is recorded, updates the live snapshot of the entity.
// Deletes remove the snapshot. A nil record with a nil error is a no-op change.
func (s *Service) Record(ctx context.Context, ch Change) (*AuditRecord, error) {
	rec, err := s.recorder.Record(ctx, ch)
	if err != nil {
		return nil, err
	}
	if s.writer == nil {
		return rec, nil
	}

	switch ch.Action {
	case ActionDelete:
		if err := s.writer.DeleteSnapshot(ctx, ch.Model, ch.ForeignKey); err != nil {
			return rec, fmt.Errorf("failed to delete snapshot of %s/%s: %w", ch.Model, ch.ForeignKey, err)
		}
	case ActionCreate, ActionUpdate:
		if len(ch.Snapshot) == 0 {
			break
		}
		if err := s.writer.PutSnapshot(ctx, ch.Model, ch.ForeignKey, ch.Snapshot); err != nil {
			return rec, fmt.Errorf("failed to store snapshot of %s/%s: %w", ch.Model, ch.ForeignKey, err)
		}
	}
	return rec, nil
}

// AddComment records a free text comment on an entity.
func (s *Service) AddComment(ctx context.Context, model, foreignKey, comment, userID string, opctx ContextProvider) (*AuditRecord, error) {
	return s.recorder.Record(ctx, Change{
		Model:      model,
		ForeignKey: foreignKey,
		Action:     ActionComment,
		UserID:     userID,
		Data:       Snapshot{"comment": comment},
		Context:    opctx,
	})
}

// Flush waits for records still being shipped. See Recorder.Flush.
func (s *Service) Flush(ctx context.Context) error {
	return s.recorder.Flush(ctx)
}

// GetRecord returns one record by id, or ErrRecordNotFound.
func (s *Service) GetRecord(ctx context.Context, id string) (*AuditRecord, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// BuildDiff compares rec with the live state of its entity.
func (s *Service) BuildDiff(ctx context.Context, rec *AuditRecord) (*Diff, error) {
	return s.differ.BuildDiff(ctx, rec)
}

// DiffRecord loads the record with the given id and builds its diff.
func (s *Service) DiffRecord(ctx context.Context, id string) (*AuditRecord, *Diff, error) {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	diff, err := s.differ.BuildDiff(ctx, rec)
	if err != nil {
		return nil, nil, err
	}
	return rec, diff, nil
}

// GetHistory returns one page of an entity's records, newest first, with searchable fields in
// their display form and actors resolved.
func (s *Service) GetHistory(ctx context.Context, q HistoryQuery) ([]*AuditRecord, error) {
	records, err := s.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list history of %s/%s: %w", q.Model, q.ForeignKey, err)
	}

	out := make([]*AuditRecord, 0, len(records))
	for _, rec := range records {
		shown, err := s.displayRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, shown)
	}
	if err := s.attachUsers(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetHistoryCount returns the number of records GetHistory would return without paging.
func (s *Service) GetHistoryCount(ctx context.Context, q HistoryQuery) (int, error) {
	n, err := s.store.Count(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("failed to count history of %s/%s: %w", q.Model, q.ForeignKey, err)
	}
	return n, nil
}

// GetEntityWithHistory returns the live entity with its complete history, newest first. History
// records keep their stored values.
func (s *Service) GetEntityWithHistory(ctx context.Context, model, foreignKey string) (*EntityWithHistory, error) {
	if s.lookup == nil {
		return nil, ErrEntityNotFound
	}

	var (
		entity  Snapshot
		records []*AuditRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entity, err = s.lookup.GetByID(gctx, model, foreignKey)
		if err != nil && !errors.Is(err, ErrEntityNotFound) {
			return fmt.Errorf("failed to load %s %s: %w", model, foreignKey, err)
		}
		return err
	})
	g.Go(func() error {
		var err error
		records, err = s.store.List(gctx, HistoryQuery{Model: model, ForeignKey: foreignKey})
		if err != nil {
			return fmt.Errorf("failed to list history of %s/%s: %w", model, foreignKey, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.attachUsers(ctx, records); err != nil {
		return nil, err
	}
	return &EntityWithHistory{
		Model:      model,
		ForeignKey: foreignKey,
		Entity:     entity,
		History:    records,
	}, nil
}

// displayRecord returns a copy of rec with every searchable field run through its display path.
// Records of models without configuration are returned as stored.
func (s *Service) displayRecord(ctx context.Context, rec *AuditRecord) (*AuditRecord, error) {
	shown := *rec
	mc, err := s.configs.ModelConfig(rec.Model)
	if errors.Is(err, ErrUnknownModel) {
		return &shown, nil
	}
	if err != nil {
		return nil, err
	}

	var data Payload
	for _, field := range rec.Data.Keys() {
		value, _ := rec.Data.Get(field)
		if fc, ok := mc.Field(field); ok && fc.Searchable {
			value, err = s.registry.DisplayValue(ctx, rec.Model, fc, value)
			if err != nil {
				return nil, err
			}
		}
		data.Set(field, value)
	}
	shown.Data = data
	return &shown, nil
}

// attachUsers resolves the actor of every record through the configured user model.
func (s *Service) attachUsers(ctx context.Context, records []*AuditRecord) error {
	if s.userModel == "" || s.lookup == nil {
		return nil
	}
	users := make(map[string]*UserSummary)
	for _, rec := range records {
		if rec.UserID == nil {
			continue
		}
		id := *rec.UserID
		user, seen := users[id]
		if !seen {
			entity, err := s.lookup.GetByID(ctx, s.userModel, id)
			switch {
			case errors.Is(err, ErrEntityNotFound):
			case err != nil:
				return fmt.Errorf("failed to resolve user %s: %w", id, err)
			default:
				user = &UserSummary{ID: id, Name: s.userName(entity)}
			}
			users[id] = user
		}
		rec.User = user
	}
	return nil
}

func (s *Service) userName(entity Snapshot) string {
	parts := make([]string, 0, len(s.userNameFields))
	for _, field := range s.userNameFields {
		if v, ok := entity[field]; ok && v != nil {
			if str := strings.TrimSpace(fmt.Sprint(v)); str != "" {
				parts = append(parts, str)
			}
		}
	}
	return strings.Join(parts, " ")
}
