package webhooks

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an endpoint does not exist or does not
// belong to the requesting user. The two cases are deliberately
// indistinguishable so lookups cannot be used to probe for existence.
var ErrNotFound = errors.New("endpoint not found")

// ValidationError describes rejected registry input. It is surfaced
// synchronously to the caller and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
