package history

import (
	"context"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/jinzhu/inflection"
)

// EntityLookup returns the live state of tracked entities.
type EntityLookup interface {
	// GetByID returns the current snapshot of the entity or ErrEntityNotFound.
	GetByID(ctx context.Context, model, id string) (Snapshot, error)
}

// SnapshotWriter keeps the live state behind an EntityLookup current.
type SnapshotWriter interface {
	PutSnapshot(ctx context.Context, model, id string, snapshot Snapshot) error
	DeleteSnapshot(ctx context.Context, model, id string) error
}

// LocalizationLookup translates field names into display labels.
type LocalizationLookup interface {
	// Translate returns the label for field of model, and false when no translation exists.
	Translate(model, field string) (string, bool)
}

// LocaleSlug returns the catalog key of a field label: the singular, underscore delimited model
// name and the lower-cased field, joined by a dot. ArticlesUsers.Title becomes articles_user.title.
func LocaleSlug(model, field string) string {
	return strings.ToLower(inflection.Singular(strcase.ToSnake(model))) + "." + strings.ToLower(field)
}
