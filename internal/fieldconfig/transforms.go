package fieldconfig

import (
	"strings"

	"github.com/model-history/model-history/internal/history"
)

// stringTransform applies fn to string values and leaves anything else untouched.
type stringTransform func(string) string

func (t stringTransform) apply(value any) any {
	if s, ok := value.(string); ok {
		return t(s)
	}
	return value
}

func (t stringTransform) save(_ string, value any, _ history.Snapshot) (any, error) {
	return t.apply(value), nil
}

func (t stringTransform) display(_ string, value any, _ string) (any, error) {
	return t.apply(value), nil
}

// Transforms are the named transforms a field entry may reference.
var Transforms = map[string]stringTransform{
	"trim":  strings.TrimSpace,
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
}
