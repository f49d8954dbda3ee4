package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the root of every input or state precondition failure.
	ErrValidation = errors.New("validation failed")

	// ErrMarketDisabled is returned when the guild market is switched off.
	ErrMarketDisabled = &ValidationError{Field: "market", Reason: "market is disabled"}

	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	// ErrInsufficientStock means the stock's available supply is too low.
	ErrInsufficientStock = errors.New("insufficient stock available")

	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("already exists")
	ErrOrderNotFound   = errors.New("order not found")
	ErrAlreadyTerminal = errors.New("order is no longer pending")

	// ErrConflict is returned by conditional writes whose expectation no
	// longer holds. Callers retry a bounded number of times.
	ErrConflict = errors.New("concurrent modification")

	// ErrTransient is surfaced when retries are exhausted or a collaborator
	// timed out; the operation left no partial state behind.
	ErrTransient = errors.New("transient failure, try again")
)

// ValidationError describes a rejected field or precondition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
