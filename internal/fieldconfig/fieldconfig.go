// Package fieldconfig loads the per-model field configuration and the label catalog from a YAML
// file and keeps them current while the file changes.
//
// A file looks like:
//
//	locale: de
//	models:
//	  - name: Articles
//	    display_field: title
//	    fields:
//	      - {name: title, type: string, saveable: true, searchable: true, transform: trim}
//	      - {name: user_id, type: association, saveable: true, association_key: article_id}
//	translations:
//	  de:
//	    article.title: Titel
package fieldconfig

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/model-history/model-history/internal/history"
)

// keyDelimiter replaces viper's "." so catalog keys such as article.title stay flat.
const keyDelimiter = "::"

// File is the decoded shape of a field configuration file.
type File struct {
	Locale       string                       `mapstructure:"locale"`
	Models       []ModelEntry                 `mapstructure:"models"`
	Translations map[string]map[string]string `mapstructure:"translations"`
}

// ModelEntry configures one tracked model.
type ModelEntry struct {
	Name         string       `mapstructure:"name"`
	DisplayField string       `mapstructure:"display_field"`
	Fields       []FieldEntry `mapstructure:"fields"`
}

// FieldEntry configures one field of a tracked model.
type FieldEntry struct {
	Name             string `mapstructure:"name"`
	Type             string `mapstructure:"type"`
	Saveable         bool   `mapstructure:"saveable"`
	Searchable       bool   `mapstructure:"searchable"`
	Obfuscated       bool   `mapstructure:"obfuscated"`
	Translation      string `mapstructure:"translation"`
	AssociationKey   string `mapstructure:"association_key"`
	AssociationModel string `mapstructure:"association_model"`
	// Transform and DisplayTransform name one of the functions in Transforms.
	Transform        string `mapstructure:"transform"`
	DisplayTransform string `mapstructure:"display_transform"`
}

// Loader reads a field configuration file into a StaticFieldConfig and a Catalog.
type Loader struct {
	v        *viper.Viper
	fields   *history.StaticFieldConfig
	catalog  *Catalog
	logger   *slog.Logger
	onReload func()

	mu      sync.Mutex
	watched bool
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger used for reload events.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) {
		if l != nil {
			ld.logger = l
		}
	}
}

// WithReloadHook registers fn to run after every successful reload.
func WithReloadHook(fn func()) Option {
	return func(ld *Loader) { ld.onReload = fn }
}

// Load reads the file at path. The returned Loader's Fields and Catalog reflect the file.
func Load(path string, opts ...Option) (*Loader, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigFile(path)

	ld := &Loader{v: v, logger: slog.Default()}
	for _, opt := range opts {
		opt(ld)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read field config %s: %w", path, err)
	}
	models, catalog, err := decode(v)
	if err != nil {
		return nil, err
	}

	ld.fields = history.NewStaticFieldConfig(models...)
	ld.catalog = catalog
	return ld, nil
}

// Fields returns the provider backed by the file.
func (ld *Loader) Fields() *history.StaticFieldConfig { return ld.fields }

// Catalog returns the label catalog backed by the file.
func (ld *Loader) Catalog() *Catalog { return ld.catalog }

// Watch reloads the configuration whenever the file is written. A file that fails to decode is
// logged and the previous configuration stays in effect.
func (ld *Loader) Watch() {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	if ld.watched {
		return
	}
	ld.watched = true

	ld.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := ld.reload(); err != nil {
			ld.logger.Warn("field config reload failed", "file", e.Name, "error", err)
			return
		}
		ld.logger.Info("field config reloaded", "file", e.Name, "models", len(ld.fields.Models()))
	})
	ld.v.WatchConfig()
}

// reload decodes the configuration viper currently holds and swaps it in.
func (ld *Loader) reload() error {
	models, catalog, err := decode(ld.v)
	if err != nil {
		return err
	}
	ld.fields.Replace(models...)
	ld.catalog.replace(catalog)
	if ld.onReload != nil {
		ld.onReload()
	}
	return nil
}

func decode(v *viper.Viper) ([]*history.ModelConfig, *Catalog, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, nil, fmt.Errorf("failed to decode field config: %w", err)
	}
	models, err := f.ModelConfigs()
	if err != nil {
		return nil, nil, err
	}
	return models, NewCatalog(f.Locale, f.Translations, history.NewStaticFieldConfig(models...)), nil
}

// ModelConfigs validates the file and converts it into model configurations, preserving field order.
func (f *File) ModelConfigs() ([]*history.ModelConfig, error) {
	seen := make(map[string]bool, len(f.Models))
	out := make([]*history.ModelConfig, 0, len(f.Models))

	for _, m := range f.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("field config: model without a name")
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("field config: model %s configured twice", m.Name)
		}
		seen[m.Name] = true

		mc := &history.ModelConfig{Model: m.Name, DisplayField: m.DisplayField}
		names := make(map[string]bool, len(m.Fields))
		for _, fe := range m.Fields {
			fc, err := fe.fieldConfig()
			if err != nil {
				return nil, fmt.Errorf("field config: %s: %w", m.Name, err)
			}
			if names[fc.Name] {
				return nil, fmt.Errorf("field config: %s.%s configured twice", m.Name, fc.Name)
			}
			names[fc.Name] = true
			mc.Fields = append(mc.Fields, fc)
		}
		out = append(out, mc)
	}
	return out, nil
}

func (fe FieldEntry) fieldConfig() (history.FieldConfig, error) {
	if fe.Name == "" {
		return history.FieldConfig{}, fmt.Errorf("field without a name")
	}
	fc := history.FieldConfig{
		Name:             fe.Name,
		Type:             strings.ToLower(fe.Type),
		Saveable:         fe.Saveable,
		Searchable:       fe.Searchable,
		Obfuscated:       fe.Obfuscated,
		Translation:      fe.Translation,
		AssociationKey:   fe.AssociationKey,
		AssociationModel: fe.AssociationModel,
	}
	if fc.Type == "" {
		fc.Type = history.TypeString
	}

	if fe.Transform != "" {
		t, ok := Transforms[fe.Transform]
		if !ok {
			return history.FieldConfig{}, fmt.Errorf("field %s: unknown transform %q", fe.Name, fe.Transform)
		}
		fc.SaveTransform = t.save
	}
	if fe.DisplayTransform != "" {
		t, ok := Transforms[fe.DisplayTransform]
		if !ok {
			return history.FieldConfig{}, fmt.Errorf("field %s: unknown display transform %q", fe.Name, fe.DisplayTransform)
		}
		fc.DisplayTransform = t.display
	}
	return fc, nil
}
