package history

import (
	"errors"
	"fmt"
)

var (
	// ErrRevisionConflict is returned by a Store when the (model, foreign key, revision) triple
	// already exists. The recorder retries on it and surfaces it once retries are exhausted.
	ErrRevisionConflict = errors.New("revision already exists for entity")

	// ErrEntityNotFound is returned by an EntityLookup for an unknown entity.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrRecordNotFound is returned when a history record id does not exist.
	ErrRecordNotFound = errors.New("history record not found")

	// ErrUnknownModel is returned by a FieldConfigProvider for a model it has no configuration for.
	ErrUnknownModel = errors.New("unknown model")
)

// ConfigurationError reports a field configuration the engine cannot act on, such as a field
// type with no registered transformer.
type ConfigurationError struct {
	Model  string
	Field  string
	Type   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("invalid configuration for %s.%s (type %q): %s", e.Model, e.Field, e.Type, e.Reason)
	case e.Type != "":
		return fmt.Sprintf("invalid configuration for type %q: %s", e.Type, e.Reason)
	default:
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
}

// ValidationError reports input that cannot be recorded, such as a comment without text.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}
