package fieldconfig

import (
	"strings"
	"sync"

	"github.com/model-history/model-history/internal/history"
)

// Catalog is a history.LocalizationLookup over the labels of one locale. A field is looked up by
// its locale slug first, then by its configured Translation, which may itself be a catalog key or
// a literal label.
type Catalog struct {
	mu     sync.RWMutex
	labels map[string]string
	fields history.FieldConfigProvider
}

// NewCatalog builds the catalog of locale from translations. Keys are matched case-insensitively.
func NewCatalog(locale string, translations map[string]map[string]string, fields history.FieldConfigProvider) *Catalog {
	labels := make(map[string]string)
	for key, label := range translations[strings.ToLower(locale)] {
		labels[strings.ToLower(key)] = label
	}
	return &Catalog{labels: labels, fields: fields}
}

// Translate implements history.LocalizationLookup.
func (c *Catalog) Translate(model, field string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if label, ok := c.labels[history.LocaleSlug(model, field)]; ok {
		return label, true
	}
	if c.fields == nil {
		return "", false
	}
	mc, err := c.fields.ModelConfig(model)
	if err != nil {
		return "", false
	}
	fc, ok := mc.Field(field)
	if !ok || fc.Translation == "" {
		return "", false
	}
	if label, ok := c.labels[strings.ToLower(fc.Translation)]; ok {
		return label, true
	}
	return fc.Translation, true
}

func (c *Catalog) replace(next *Catalog) {
	next.mu.RLock()
	labels, fields := next.labels, next.fields
	next.mu.RUnlock()

	c.mu.Lock()
	c.labels, c.fields = labels, fields
	c.mu.Unlock()
}
