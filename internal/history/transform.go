package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Transformer converts field values between the entity, storage and display representations.
type Transformer interface {
	// Save converts a raw entity value into the value stored in a revision.
	Save(field string, value any, snapshot Snapshot) (any, error)
	// Display converts a stored value into its human readable form for model.
	Display(ctx context.Context, field string, value any, model string) (any, error)
}

// Registry maps field types to transformers.
type Registry struct {
	mu           sync.RWMutex
	transformers map[string]Transformer
}

// NewRegistry returns a registry with the built-in transformers registered. configs and lookup
// let the association transformer show a related entity's label instead of its id; either may
// be nil, in which case ids are displayed as stored.
func NewRegistry(configs FieldConfigProvider, lookup EntityLookup) *Registry {
	r := &Registry{transformers: make(map[string]Transformer)}
	r.Register(TypeString, passthroughTransformer{})
	r.Register(TypeNumber, numberTransformer{})
	r.Register(TypeBool, boolTransformer{})
	r.Register(TypeDate, timeTransformer{layouts: []string{"2006-01-02", time.RFC3339}, store: "2006-01-02", display: "2006-01-02"})
	r.Register(TypeDateTime, timeTransformer{layouts: []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"}, store: time.RFC3339, display: "2006-01-02 15:04"})
	r.Register(TypeAssociation, &associationTransformer{configs: configs, lookup: lookup})
	r.Register(TypeMassAssociation, massAssociationTransformer{})
	return r
}

// Register adds or replaces the transformer for typ.
func (r *Registry) Register(typ string, t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[typ] = t
}

// Get returns the transformer for typ, or a ConfigurationError if none is registered.
func (r *Registry) Get(typ string) (Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transformers[typ]
	if !ok {
		return nil, &ConfigurationError{Type: typ, Reason: "no transformer registered for field type"}
	}
	return t, nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transformers))
	for typ := range r.transformers {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// SaveValue runs the save path for one field: the field's SaveTransform when set, otherwise the
// transformer registered for its type.
func (r *Registry) SaveValue(model string, fc *FieldConfig, value any, snapshot Snapshot) (any, error) {
	if fc.SaveTransform != nil {
		return fc.SaveTransform(fc.Name, value, snapshot)
	}
	t, err := r.Get(fc.Type)
	if err != nil {
		return nil, withField(err, model, fc)
	}
	return t.Save(fc.Name, value, snapshot)
}

// DisplayValue runs the display path for one field: the field's DisplayTransform when set,
// otherwise the transformer registered for its type.
func (r *Registry) DisplayValue(ctx context.Context, model string, fc *FieldConfig, value any) (any, error) {
	if fc.DisplayTransform != nil {
		return fc.DisplayTransform(fc.Name, value, model)
	}
	t, err := r.Get(fc.Type)
	if err != nil {
		return nil, withField(err, model, fc)
	}
	return t.Display(ctx, fc.Name, value, model)
}

func withField(err error, model string, fc *FieldConfig) error {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return &ConfigurationError{Model: model, Field: fc.Name, Type: fc.Type, Reason: cfgErr.Reason}
	}
	return err
}

type passthroughTransformer struct{}

func (passthroughTransformer) Save(_ string, value any, _ Snapshot) (any, error) {
	return value, nil
}

func (passthroughTransformer) Display(_ context.Context, _ string, value any, _ string) (any, error) {
	return value, nil
}

type numberTransformer struct{}

func (numberTransformer) Save(field string, value any, _ Snapshot) (any, error) {
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %q is not a number", field, v)
		}
		return f, nil
	default:
		return value, nil
	}
}

func (numberTransformer) Display(_ context.Context, _ string, value any, _ string) (any, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	default:
		return fmt.Sprint(v), nil
	}
}

type boolTransformer struct{}

func (boolTransformer) Save(_ string, value any, _ Snapshot) (any, error) {
	return truthy(value), nil
}

func (boolTransformer) Display(_ context.Context, _ string, value any, _ string) (any, error) {
	if truthy(value) {
		return "yes", nil
	}
	return "no", nil
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case float64:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

// timeTransformer normalises dates to a fixed stored layout and formats them for display.
type timeTransformer struct {
	layouts []string
	store   string
	display string
}

func (t timeTransformer) parse(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		for _, layout := range t.layouts {
			if parsed, err := time.Parse(layout, v); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func (t timeTransformer) Save(field string, value any, _ Snapshot) (any, error) {
	if value == nil || value == "" {
		return nil, nil
	}
	parsed, ok := t.parse(value)
	if !ok {
		return nil, fmt.Errorf("field %s: cannot parse %v as a date", field, value)
	}
	return parsed.Format(t.store), nil
}

func (t timeTransformer) Display(_ context.Context, _ string, value any, _ string) (any, error) {
	parsed, ok := t.parse(value)
	if !ok {
		if value == nil {
			return "", nil
		}
		return fmt.Sprint(value), nil
	}
	return parsed.Format(t.display), nil
}

// associationTransformer stores the related id and displays the related entity's label.
type associationTransformer struct {
	configs FieldConfigProvider
	lookup  EntityLookup
}

func (a *associationTransformer) Save(_ string, value any, _ Snapshot) (any, error) {
	return value, nil
}

func (a *associationTransformer) Display(ctx context.Context, field string, value any, model string) (any, error) {
	id := idString(value)
	if id == "" || a.lookup == nil || a.configs == nil {
		return value, nil
	}

	owner, err := a.configs.ModelConfig(model)
	if err != nil {
		return value, nil
	}
	fc, ok := owner.Field(field)
	if !ok {
		return value, nil
	}
	foreignModel := fc.ForeignModel()
	foreign, err := a.configs.ModelConfig(foreignModel)
	if err != nil || foreign.DisplayField == "" {
		return value, nil
	}

	entity, err := a.lookup.GetByID(ctx, foreignModel, id)
	if errors.Is(err, ErrEntityNotFound) {
		return value, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s %s: %w", foreignModel, id, err)
	}
	if label, ok := entity[foreign.DisplayField]; ok && label != nil {
		return label, nil
	}
	return value, nil
}

// massAssociationTransformer stores a list of related ids inline and displays them comma-joined.
type massAssociationTransformer struct{}

func (massAssociationTransformer) Save(field string, value any, _ Snapshot) (any, error) {
	switch v := value.(type) {
	case []string:
		out := make([]any, 0, len(v))
		for _, id := range v {
			out = append(out, id)
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			id := idString(item)
			if id == "" {
				return nil, fmt.Errorf("field %s: list item %v has no id", field, item)
			}
			out = append(out, id)
		}
		return out, nil
	case []map[string]any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			id := idString(item)
			if id == "" {
				return nil, fmt.Errorf("field %s: list item %v has no id", field, item)
			}
			out = append(out, id)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %s: expected a list, got %T", field, value)
	}
}

func (massAssociationTransformer) Display(_ context.Context, _ string, value any, _ string) (any, error) {
	items, ok := value.([]any)
	if !ok {
		if value == nil {
			return "", nil
		}
		return fmt.Sprint(value), nil
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, idString(item))
	}
	return strings.Join(ids, ", "), nil
}

// idString extracts an id from a scalar or from an object carrying an "id" key.
func idString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any:
		return idString(v["id"])
	case Snapshot:
		return idString(v["id"])
	default:
		return fmt.Sprint(v)
	}
}
