package resilient

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios
var (
	// ErrNotCloneable is returned when a request body cannot be safely re-sent
	ErrNotCloneable = errors.New("resilient: request body cannot be re-sent")

	// ErrHandleReleased is returned when a resource handle is released twice
	ErrHandleReleased = errors.New("resilient: resource handle already released")

	// ErrForeignHandle is returned when a handle is released against a resource it does not belong to
	ErrForeignHandle = errors.New("resilient: handle does not belong to this resource")

	// ErrScopeOrder is returned when scope frames are ended out of LIFO order
	ErrScopeOrder = errors.New("resilient: scope ended out of order")
)

// Error type identifiers used by ResilienceError.
const (
	ErrorTypeValidation = "Validation"
	ErrorTypeAuth       = "Auth"
	ErrorTypeClone      = "Clone"
	ErrorTypeResource   = "Resource"
	ErrorTypeScope      = "Scope"
)

// ResilienceError is a structured error carrying the failing concern and an
// optional cause.
type ResilienceError struct {
	Type    string
	Message string
	Cause   error
}

// Error implements error interface.
func (e *ResilienceError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ResilienceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ResilienceError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ResilienceError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

func newValidationError(format string, args ...interface{}) *ResilienceError {
	return &ResilienceError{
		Type:    ErrorTypeValidation,
		Message: fmt.Sprintf(format, args...),
	}
}
