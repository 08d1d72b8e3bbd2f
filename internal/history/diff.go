package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/model-history/model-history/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// ValueChange is the displayed before and after value of one field.
type ValueChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff classifies the configured fields of an entity relative to one of its revisions.
//
//   - Changed holds the fields the revision itself changed, with the value they had before it.
//   - ChangedBefore holds fields whose recorded value differs from the live entity, meaning they
//     changed in some other revision.
//   - Unchanged holds fields whose recorded value still matches the live entity.
//
// Keys are display labels when a localization lookup is configured, field names otherwise.
type Diff struct {
	Changed       map[string]ValueChange `json:"changed"`
	ChangedBefore map[string]ValueChange `json:"changedBefore"`
	Unchanged     map[string]any         `json:"unchanged"`
}

func newDiff() *Diff {
	return &Diff{
		Changed:       map[string]ValueChange{},
		ChangedBefore: map[string]ValueChange{},
		Unchanged:     map[string]any{},
	}
}

// DiffEngine compares stored revisions with the live state of their entity.
type DiffEngine struct {
	configs      FieldConfigProvider
	registry     *Registry
	store        Store
	lookup       EntityLookup
	localization LocalizationLookup
	logger       *slog.Logger
}

// DiffOption configures a DiffEngine.
type DiffOption func(*DiffEngine)

// WithLocalization relabels diff keys through l.
func WithLocalization(l LocalizationLookup) DiffOption {
	return func(d *DiffEngine) { d.localization = l }
}

// WithDiffLogger sets the logger used for label collision warnings.
func WithDiffLogger(l *slog.Logger) DiffOption {
	return func(d *DiffEngine) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDiffEngine creates a DiffEngine. lookup supplies the live entity; a nil lookup compares
// against an empty entity.
func NewDiffEngine(configs FieldConfigProvider, registry *Registry, store Store, lookup EntityLookup, opts ...DiffOption) *DiffEngine {
	d := &DiffEngine{
		configs:  configs,
		registry: registry,
		store:    store,
		lookup:   lookup,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BuildDiff classifies every configured field of target's entity. The first revision of an
// entity has nothing to compare with and yields three empty buckets. A field that no earlier
// revision recorded never appears in any bucket.
//
// History and live entity are read concurrently and without a shared snapshot, so a write
// landing mid-computation may or may not be reflected.
func (d *DiffEngine) BuildDiff(ctx context.Context, target *AuditRecord) (*Diff, error) {
	start := time.Now()
	defer func() { telemetry.DiffDuration.Observe(time.Since(start).Seconds()) }()

	diff := newDiff()
	if target.Revision <= 1 {
		return diff, nil
	}

	mc, err := d.configs.ModelConfig(target.Model)
	if err != nil {
		return nil, err
	}

	var (
		previous []*AuditRecord
		live     Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		previous, err = d.store.ListBefore(gctx, target.Model, target.ForeignKey, target.Revision)
		if err != nil {
			return fmt.Errorf("failed to load history of %s/%s: %w", target.Model, target.ForeignKey, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		live, err = d.liveEntity(gctx, target.Model, target.ForeignKey)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Fields the target revision changed, paired with the most recent earlier value.
	for _, field := range target.Data.Keys() {
		fc, ok := mc.Field(field)
		if !ok {
			continue
		}
		prior, ok := firstRecorded(previous, field)
		if !ok {
			continue
		}
		newValue, _ := target.Data.Get(field)
		old, err := d.registry.DisplayValue(ctx, mc.Model, fc, prior)
		if err != nil {
			return nil, err
		}
		current, err := d.registry.DisplayValue(ctx, mc.Model, fc, newValue)
		if err != nil {
			return nil, err
		}
		diff.Changed[field] = ValueChange{Old: old, New: current}
	}

	for i := range mc.Fields {
		fc := &mc.Fields[i]
		if _, done := diff.Changed[fc.Name]; done {
			continue
		}
		liveValue := d.normalise(mc.Model, fc, live)

		recorded := false
		for _, rec := range previous {
			value, ok := rec.Data.Get(fc.Name)
			if !ok || value == nil {
				continue
			}
			recorded = true
			if sameValue(value, liveValue) {
				continue
			}
			old, err := d.registry.DisplayValue(ctx, mc.Model, fc, value)
			if err != nil {
				return nil, err
			}
			current, err := d.registry.DisplayValue(ctx, mc.Model, fc, liveValue)
			if err != nil {
				return nil, err
			}
			diff.ChangedBefore[fc.Name] = ValueChange{Old: old, New: current}
			break
		}
		if _, drifted := diff.ChangedBefore[fc.Name]; drifted || !recorded {
			continue
		}

		current, err := d.registry.DisplayValue(ctx, mc.Model, fc, liveValue)
		if err != nil {
			return nil, err
		}
		diff.Unchanged[fc.Name] = current
	}

	d.localize(mc, diff)
	return diff, nil
}

func (d *DiffEngine) liveEntity(ctx context.Context, model, id string) (Snapshot, error) {
	if d.lookup == nil {
		return Snapshot{}, nil
	}
	live, err := d.lookup.GetByID(ctx, model, id)
	if errors.Is(err, ErrEntityNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", model, id, err)
	}
	if live == nil {
		return Snapshot{}, nil
	}
	return live, nil
}

// normalise brings a live value into its stored form so it compares equal to an unchanged
// recorded value. Obfuscated fields always compare and display as the marker.
func (d *DiffEngine) normalise(model string, fc *FieldConfig, live Snapshot) any {
	raw, ok := live[fc.Name]
	if !ok || raw == nil {
		return nil
	}
	if fc.Obfuscated {
		return ObfuscationMarker
	}
	value, err := d.registry.SaveValue(model, fc, raw, live)
	if err != nil {
		return raw
	}
	return value
}

// localize replaces field names with their display labels. When two fields share a label the
// later field in configuration order wins.
func (d *DiffEngine) localize(mc *ModelConfig, diff *Diff) {
	if d.localization == nil {
		return
	}
	labels := make(map[string]string)
	owners := make(map[string]string)
	for _, fc := range mc.Fields {
		label, ok := d.localization.Translate(mc.Model, fc.Name)
		if !ok || label == "" || label == fc.Name {
			continue
		}
		if prev, taken := owners[label]; taken && inDiff(diff, prev) && inDiff(diff, fc.Name) {
			d.logger.Warn("diff label collision, keeping later field",
				"model", mc.Model, "label", label, "dropped", prev, "kept", fc.Name)
		}
		labels[fc.Name] = label
		owners[label] = fc.Name
	}
	if len(labels) == 0 {
		return
	}

	diff.Changed = relabel(diff.Changed, mc, labels)
	diff.ChangedBefore = relabel(diff.ChangedBefore, mc, labels)
	diff.Unchanged = relabel(diff.Unchanged, mc, labels)
}

func relabel[V any](bucket map[string]V, mc *ModelConfig, labels map[string]string) map[string]V {
	out := make(map[string]V, len(bucket))
	for _, fc := range mc.Fields {
		v, ok := bucket[fc.Name]
		if !ok {
			continue
		}
		key := fc.Name
		if label, ok := labels[fc.Name]; ok {
			key = label
		}
		out[key] = v
	}
	return out
}

func inDiff(diff *Diff, field string) bool {
	if _, ok := diff.Changed[field]; ok {
		return true
	}
	if _, ok := diff.ChangedBefore[field]; ok {
		return true
	}
	_, ok := diff.Unchanged[field]
	return ok
}

// firstRecorded returns the value of field in the newest record that holds it.
func firstRecorded(records []*AuditRecord, field string) (any, bool) {
	for _, rec := range records {
		if v, ok := rec.Data.Get(field); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// sameValue compares two values by their canonical JSON encoding, so 3 and 3.0 or two maps with
// equal content compare equal.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
