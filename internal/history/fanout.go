package history

import (
	"context"
	"errors"
	"fmt"
)

// fanOut builds the record written on the related entity for one association field. The related
// entity is the one the field's raw value points at. Its record carries the owning entity's
// reference under the field's association key, deletes included.
func (r *Recorder) fanOut(ctx context.Context, model string, fc *FieldConfig, raw any, ch Change, source Snapshot) (*AuditRecord, error) {
	foreignID := idString(raw)
	if foreignID == "" {
		return nil, nil
	}
	foreignModel := fc.ForeignModel()

	if r.strictAssociations {
		if _, err := r.lookup.GetByID(ctx, foreignModel, foreignID); err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				return nil, fmt.Errorf("%s.%s references %s %s: %w", model, fc.Name, foreignModel, foreignID, ErrEntityNotFound)
			}
			return nil, fmt.Errorf("failed to resolve %s %s: %w", foreignModel, foreignID, err)
		}
	}

	var reference any = ch.ForeignKey
	if v, ok := source[fc.AssociationKey]; ok && v != nil {
		reference = v
	}
	value, err := r.registry.SaveValue(model, fc, reference, source)
	if err != nil {
		return nil, fmt.Errorf("failed to transform %s.%s: %w", model, fc.Name, err)
	}

	var data Payload
	data.Set(fc.AssociationKey, value)
	return &AuditRecord{
		Model:      foreignModel,
		ForeignKey: foreignID,
		Action:     ch.Action,
		Data:       data,
	}, nil
}
