package history

import (
	"fmt"
	"strings"
	"sync"

	"github.com/iancoleman/strcase"
	"github.com/jinzhu/inflection"
)

// Built-in field types.
const (
	TypeString          = "string"
	TypeNumber          = "number"
	TypeBool            = "bool"
	TypeDate            = "date"
	TypeDateTime        = "datetime"
	TypeAssociation     = "association"
	TypeMassAssociation = "mass_association"
)

// SaveFunc converts a raw entity value into its stored form.
type SaveFunc func(field string, value any, snapshot Snapshot) (any, error)

// DisplayFunc converts a stored value into its human readable form.
type DisplayFunc func(field string, value any, model string) (any, error)

// FieldConfig describes how one field of a tracked model is recorded and displayed.
type FieldConfig struct {
	Name        string
	Type        string
	Saveable    bool
	Searchable  bool
	Obfuscated  bool
	Translation string

	// AssociationKey names the reciprocal field written on the related entity's revision.
	// Only meaningful for association fields.
	AssociationKey string
	// AssociationModel names the related model. Derived from the field name when empty.
	AssociationModel string

	// SaveTransform and DisplayTransform replace the registry transformer for their path.
	SaveTransform    SaveFunc
	DisplayTransform DisplayFunc
}

// fansOut reports whether the field is recorded on the related entity instead of its owner.
func (f *FieldConfig) fansOut() bool {
	return f.Type == TypeAssociation && f.AssociationKey != ""
}

// ForeignModel returns the model an association field points at. Without an explicit
// AssociationModel the name is derived from the field: user_id becomes Users.
func (f *FieldConfig) ForeignModel() string {
	if f.AssociationModel != "" {
		return f.AssociationModel
	}
	base := strings.TrimSuffix(f.Name, "_id")
	return strcase.ToCamel(inflection.Plural(base))
}

// ModelConfig is the ordered field configuration of one tracked model.
type ModelConfig struct {
	Model string
	// DisplayField is the field shown when an entity of this model is referenced by id.
	DisplayField string
	Fields       []FieldConfig
}

// Field returns the configuration of the named field.
func (m *ModelConfig) Field(name string) (*FieldConfig, bool) {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i], true
		}
	}
	return nil, false
}

// FieldConfigProvider supplies the field configuration of tracked models.
type FieldConfigProvider interface {
	// ModelConfig returns the configuration for model or ErrUnknownModel.
	ModelConfig(model string) (*ModelConfig, error)
}

// StaticFieldConfig is a FieldConfigProvider over a fixed set of models, keyed by model name.
type StaticFieldConfig struct {
	mu     sync.RWMutex
	models map[string]*ModelConfig
}

// NewStaticFieldConfig creates a provider holding the given model configurations.
func NewStaticFieldConfig(models ...*ModelConfig) *StaticFieldConfig {
	s := &StaticFieldConfig{models: make(map[string]*ModelConfig, len(models))}
	for _, m := range models {
		s.models[m.Model] = m
	}
	return s
}

// ModelConfig implements FieldConfigProvider.
func (s *StaticFieldConfig) ModelConfig(model string) (*ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return m, nil
}

// Replace swaps the full set of model configurations.
func (s *StaticFieldConfig) Replace(models ...*ModelConfig) {
	next := make(map[string]*ModelConfig, len(models))
	for _, m := range models {
		next[m.Model] = m
	}
	s.mu.Lock()
	s.models = next
	s.mu.Unlock()
}

// Models returns the names of all configured models.
func (s *StaticFieldConfig) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.models))
	for name := range s.models {
		out = append(out, name)
	}
	return out
}
