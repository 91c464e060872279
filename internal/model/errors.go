package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad or missing input. Always recoverable.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient balance")

	// ErrNotFound is returned for unknown trades or users.
	ErrNotFound = errors.New("not found")

	// ErrAlreadySettled is returned when a completed trade is settled again.
	ErrAlreadySettled = errors.New("trade already settled")

	// ErrInvalidDuration is returned for durations without a profit rate.
	ErrInvalidDuration = errors.New("invalid trade duration")

	// ErrRiskLimit is returned when a stake breaks a configured exposure limit.
	ErrRiskLimit = errors.New("risk limit exceeded")

	// ErrPersistenceUnavailable is returned when neither the durable store nor
	// the in-process cache can serve a request.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrInternal marks broken invariants. Never shown to callers verbatim.
	ErrInternal = errors.New("internal error")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
