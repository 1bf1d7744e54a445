package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("invalid event")
	ErrUnauthenticated    = errors.New("event authentication failed")
	ErrDuplicateEvent     = errors.New("event already processed (idempotency)")
	ErrUnknownDestination = errors.New("no rate for destination")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrStoreUnavailable   = errors.New("ledger store unavailable")
	ErrEventInFlight      = errors.New("event is being processed by another worker")
	ErrNotFound           = errors.New("not found")
)

// ValidationError describes a single malformed field. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Unavailable wraps a store failure so callers can tell the sender to retry.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// Retryable reports whether the sender should redeliver the event later.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrEventInFlight)
}
