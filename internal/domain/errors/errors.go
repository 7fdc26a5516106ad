package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Saga errors
	ErrSagaNotFound           = errors.New("saga not found")
	ErrDuplicateSaga          = errors.New("saga already exists for event")
	ErrOptimisticLockFailed   = errors.New("optimistic lock conflict")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMaxRetriesExceeded     = errors.New("max retries exceeded")
	ErrSagaTerminal           = errors.New("saga is in a terminal state")

	// Event errors
	ErrMalformedEvent   = errors.New("malformed event")
	ErrUnknownEventType = errors.New("unknown event type")

	// Profile collaborator errors
	ErrProfileNotFound         = errors.New("profile not found")
	ErrDuplicateProfile        = errors.New("profile already exists")
	ErrCollaboratorUnavailable = errors.New("profile service unavailable")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// MalformedEventError reports an inbound event that cannot be decoded.
// It is never retryable: redelivering the same bytes cannot fix it.
type MalformedEventError struct {
	EventType string
	Reason    string
	Err       error
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("malformed %s event: %s", e.EventType, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedEvent}
	}
	return []error{ErrMalformedEvent, e.Err}
}

func NewMalformedEventError(eventType, reason string, err error) *MalformedEventError {
	return &MalformedEventError{EventType: eventType, Reason: reason, Err: err}
}

// TransientError marks a failure that may succeed on a later attempt,
// such as a network error or an unavailable collaborator.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCollaboratorUnavailable)
}
