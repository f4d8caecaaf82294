package policy

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Repository that holds no document.
var ErrNotFound = errors.New("policy document not found")

// ErrClosed is returned when subscribing on a closed notifier.
var ErrClosed = errors.New("policy notifier closed")

// ValidationError describes why a policy document was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid policy set: %s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
