// Package services is the API-facing application layer. Each service wraps
// the store, the run engine, and the dispatch surface behind operations the
// HTTP handlers call, and owns input validation.
package services

import (
	"errors"
	"fmt"
)

// ErrRunNotCancelable is returned when a cancel request targets a run that
// is not claimed on this pod or already reached a terminal status.
var ErrRunNotCancelable = errors.New("run not cancelable")

// ValidationError carries a field-level validation failure to the API layer,
// which renders it as a 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
