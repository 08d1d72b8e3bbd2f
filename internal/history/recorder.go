package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/model-history/model-history/internal/safego"
	"github.com/model-history/model-history/internal/telemetry"
	"github.com/model-history/model-history/pkg/checksum"
)

// DefaultMaxRetries is how often a conflicting revision insert is retried.
const DefaultMaxRetries = 3

// Shipper receives every record after it has been stored.
type Shipper interface {
	Ship(ctx context.Context, rec *AuditRecord) error
}

// Recorder turns change events into stored revisions.
type Recorder struct {
	configs  FieldConfigProvider
	registry *Registry
	store    Store

	lookup             EntityLookup
	locker             Locker
	shipper            Shipper
	maxRetries         int
	strictAssociations bool
	shipTimeout        time.Duration
	logger             *slog.Logger
	now                func() time.Time
	newID              func() string

	inflight sync.WaitGroup
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLocker serialises revision assignment per entity through l.
func WithLocker(l Locker) RecorderOption {
	return func(r *Recorder) { r.locker = l }
}

// WithShipper ships every stored record to s in the background.
func WithShipper(s Shipper) RecorderOption {
	return func(r *Recorder) { r.shipper = s }
}

// WithMaxRetries sets how often a conflicting revision insert is retried.
func WithMaxRetries(n int) RecorderOption {
	return func(r *Recorder) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithStrictAssociations makes fan-out fail with ErrEntityNotFound when the related entity is
// unknown to lookup. Without it fan-out records are written for any referenced id.
func WithStrictAssociations(lookup EntityLookup) RecorderOption {
	return func(r *Recorder) {
		r.lookup = lookup
		r.strictAssociations = lookup != nil
	}
}

// WithRecorderLogger sets the logger used for retry and shipping diagnostics.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source for record creation times.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder.
func NewRecorder(configs FieldConfigProvider, registry *Registry, store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		configs:     configs,
		registry:    registry,
		store:       store,
		maxRetries:  DefaultMaxRetries,
		shipTimeout: 5 * time.Second,
		logger:      slog.Default(),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores the revision described by ch and returns it. Association fields fan out into
// records on the related entities, which are written even when the owning change itself turns
// out to be a no-op. A no-op returns a nil record and a nil error.
func (r *Recorder) Record(ctx context.Context, ch Change) (*AuditRecord, error) {
	if err := validateChange(ch); err != nil {
		return nil, err
	}

	source := ch.Data
	if len(source) == 0 {
		source = ch.Snapshot
	}

	var (
		data     Payload
		siblings []*AuditRecord
	)
	if ch.Action == ActionComment {
		comment, _ := source["comment"].(string)
		if strings.TrimSpace(comment) == "" {
			return nil, &ValidationError{Field: "comment", Message: "comment must not be empty"}
		}
		data.Set("comment", comment)
	} else {
		mc, err := r.configs.ModelConfig(ch.Model)
		if err != nil {
			return nil, err
		}
		data, siblings, err = r.buildData(ctx, mc, ch, source)
		if err != nil {
			return nil, err
		}
	}

	switch ch.Action {
	case ActionUpdate:
		if ch.DirtyFields != nil {
			data = restrictTo(data, ch.DirtyFields)
		}
	case ActionDelete:
		data = Payload{}
	}

	saveHash := ch.SaveHash
	if saveHash == "" {
		saveHash = checksum.SaveHash(ch.Model, ch.ForeignKey, r.newID(), strconv.FormatInt(r.now().UnixNano(), 10))
	}
	stamp := r.stamp(ch, saveHash)

	for _, sib := range siblings {
		stamp(sib)
		if err := r.persist(ctx, sib); err != nil {
			return nil, err
		}
	}

	if data.Len() == 0 && ch.Action != ActionDelete {
		telemetry.NoopChangesTotal.WithLabelValues(ch.Model).Inc()
		return nil, nil
	}

	rec := &AuditRecord{
		Model:      ch.Model,
		ForeignKey: ch.ForeignKey,
		Action:     ch.Action,
		Data:       data,
	}
	stamp(rec)
	if err := r.persist(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func validateChange(ch Change) error {
	if !ch.Action.Valid() {
		return &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", ch.Action)}
	}
	if strings.TrimSpace(ch.Model) == "" {
		return &ValidationError{Field: "model", Message: "model is required"}
	}
	if strings.TrimSpace(ch.ForeignKey) == "" {
		return &ValidationError{Field: "foreign_key", Message: "foreign key is required"}
	}
	return nil
}

// buildData selects and transforms the saveable fields of the change. Association fields with
// a reciprocal key are returned as sibling records instead of being added to data.
func (r *Recorder) buildData(ctx context.Context, mc *ModelConfig, ch Change, source Snapshot) (Payload, []*AuditRecord, error) {
	var (
		data     Payload
		siblings []*AuditRecord
	)
	dirty := dirtySet(ch)

	for i := range mc.Fields {
		fc := &mc.Fields[i]
		if !fc.Saveable {
			continue
		}
		raw, ok := source[fc.Name]
		if !ok || raw == nil {
			continue
		}

		if fc.fansOut() {
			if dirty != nil && !dirty[fc.Name] {
				continue
			}
			sib, err := r.fanOut(ctx, mc.Model, fc, raw, ch, source)
			if err != nil {
				return Payload{}, nil, err
			}
			if sib != nil {
				siblings = append(siblings, sib)
			}
			continue
		}

		value, err := r.registry.SaveValue(mc.Model, fc, raw, source)
		if err != nil {
			return Payload{}, nil, fmt.Errorf("failed to transform %s.%s: %w", mc.Model, fc.Name, err)
		}
		if fc.Obfuscated {
			value = ObfuscationMarker
		}
		data.Set(fc.Name, value)
	}
	return data, siblings, nil
}

func dirtySet(ch Change) map[string]bool {
	if ch.Action != ActionUpdate || ch.DirtyFields == nil {
		return nil
	}
	set := make(map[string]bool, len(ch.DirtyFields))
	for _, f := range ch.DirtyFields {
		set[f] = true
	}
	return set
}

// restrictTo keeps only the dirty fields, in dirty-list order.
func restrictTo(data Payload, dirty []string) Payload {
	var out Payload
	for _, field := range dirty {
		if v, ok := data.Get(field); ok {
			out.Set(field, v)
		}
	}
	return out
}

// stamp returns a func filling the fields every record of one change shares.
func (r *Recorder) stamp(ch Change, saveHash string) func(*AuditRecord) {
	var (
		ctxData     Payload
		contextType string
		contextSlug string
	)
	if ch.Context != nil {
		ctxData = ch.Context.Context()
		contextType = ch.Context.ContextType()
		contextSlug = ch.Context.ContextSlug()
	}
	return func(rec *AuditRecord) {
		rec.ID = r.newID()
		rec.UserID = stringPtr(ch.UserID)
		rec.Context = ctxData.Clone()
		rec.ContextType = stringPtr(contextType)
		rec.ContextSlug = stringPtr(contextSlug)
		rec.SaveHash = stringPtr(saveHash)
		rec.CreatedAt = r.now().UTC()
	}
}

// persist assigns the next revision and inserts rec, retrying when another writer took the
// revision first.
func (r *Recorder) persist(ctx context.Context, rec *AuditRecord) error {
	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, LockKey(rec.Model, rec.ForeignKey))
		if err != nil {
			return fmt.Errorf("failed to lock %s/%s: %w", rec.Model, rec.ForeignKey, err)
		}
		defer unlock()
	}

	for attempt := 0; ; attempt++ {
		max, err := r.store.MaxRevision(ctx, rec.Model, rec.ForeignKey)
		if err != nil {
			return fmt.Errorf("failed to read revision for %s/%s: %w", rec.Model, rec.ForeignKey, err)
		}
		rec.Revision = max + 1

		err = r.store.Insert(ctx, rec)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrRevisionConflict) {
			return fmt.Errorf("failed to store revision %d for %s/%s: %w", rec.Revision, rec.Model, rec.ForeignKey, err)
		}
		telemetry.RevisionConflictsTotal.Inc()
		if attempt >= r.maxRetries {
			return fmt.Errorf("giving up on %s/%s after %d attempts: %w", rec.Model, rec.ForeignKey, attempt+1, err)
		}
		r.logger.Debug("revision conflict, retrying",
			"model", rec.Model, "foreign_key", rec.ForeignKey, "revision", rec.Revision, "attempt", attempt+1)
	}

	telemetry.RecordsWrittenTotal.WithLabelValues(rec.Model, string(rec.Action)).Inc()
	r.ship(rec)
	return nil
}

func (r *Recorder) ship(rec *AuditRecord) {
	if r.shipper == nil {
		return
	}
	shipped := *rec
	r.inflight.Add(1)
	safego.Go("ship-record", func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.shipTimeout)
		defer cancel()
		if err := r.shipper.Ship(ctx, &shipped); err != nil {
			r.logger.Warn("failed to ship history record", "id", shipped.ID, "model", shipped.Model, "error", err)
		}
	})
}

// Flush blocks until every stored record has been handed to the shipper or ctx is done. Call it
// after the last Record and before closing the shipper.
func (r *Recorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to flush shipped records: %w", ctx.Err())
	}
}
