package models

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the inventory check rejected the stay
	ErrUnavailable = errors.New("tour is not available for the requested dates")

	// ErrGatewayUnavailable means CreateOrder failed; the booking is kept for a retry
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrUnknownReference means no payment attempt carries the reference
	ErrUnknownReference = errors.New("unknown payment reference")

	// ErrInvalidSignature means a callback failed authenticity verification
	ErrInvalidSignature = errors.New("invalid callback signature")

	// ErrBookingNotFound is returned for missing bookings and bookings owned by someone else
	ErrBookingNotFound = errors.New("booking not found")

	// ErrTourNotFound is returned when the price source has no such tour
	ErrTourNotFound = errors.New("tour not found")

	// ErrInvalidTransition means the ledger is not in a state that allows the operation
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDuplicateReference means a generated payment reference collided with an existing one
	ErrDuplicateReference = errors.New("payment reference already exists")
)

// ValidationError is a rejected input; it is never persisted
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for a field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TransientStoreError wraps a ledger failure the caller should retry
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether a reconciliation failure may succeed on redelivery
func IsRetriable(err error) bool {
	var storeErr *TransientStoreError
	return errors.As(err, &storeErr)
}
