// Package apperrors defines the error kinds callers branch on with errors.Is.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any mutation.
	ErrValidation = errors.New("validation error")
	// ErrInvalidSchedule is returned when a schedule cannot be generated.
	ErrInvalidSchedule = fmt.Errorf("%w: invalid schedule", ErrValidation)
	// ErrInsufficientFunds is returned by a debit that would overdraw a wallet.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidState is returned when a loan's status does not permit the operation.
	ErrInvalidState = errors.New("invalid loan state")
	// ErrInvalidTransition is returned for a lifecycle transition that is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	// ErrConflict is returned when a record changed underneath a read-modify-write.
	ErrConflict = errors.New("concurrent modification")
)

// Validation wraps ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
