/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Validation errors - bad arguments, rejected before any I/O
  2. Balance errors - a debit would drive the balance negative
  3. Idempotency errors - the store already holds the idempotency key
  4. Transfer errors - the compensating credit failed (money is stuck)
  5. Store errors - infrastructure failures, transient

PROPAGATION:
  Validation and insufficient balance go straight back to the caller.
  Duplicate idempotency keys are turned into a successful no-op by the
  reward engine. Compensation failures must reach an operator.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      var ib *ledger.InsufficientBalanceError
      errors.As(err, &ib)
      fmt.Println(ib.Available, ib.Requested)
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all argument errors.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	// No state changes when it is returned.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateIdempotencyKey is returned by Append when an entry with
	// the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrAccountNotFound is returned when an aggregate is required but missing.
	ErrAccountNotFound = errors.New("account not found")

	// ErrCompensationFailed marks a transfer whose source was debited and
	// could not be re-credited.
	ErrCompensationFailed = errors.New("transfer compensation failed")

	// ErrStoreUnavailable wraps infrastructure failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIntentNotFound is returned when a transfer intent id is unknown.
	ErrIntentNotFound = errors.New("transfer intent not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected argument.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError provides details about a rejected debit.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// CompensationFailureError is the one transfer failure that leaves the
// ledger needing manual reconciliation: the source was debited, the credit
// failed, and so did the reversal.
type CompensationFailureError struct {
	TransferID string
	From       AccountID
	To         AccountID
	Amount     int64
	CreditErr  error
	ReverseErr error
}

func (e *CompensationFailureError) Error() string {
	return fmt.Sprintf("transfer %s: %d debited from %s is stuck (credit to %s failed: %v; reversal failed: %v)",
		e.TransferID, e.Amount, e.From, e.To, e.CreditErr, e.ReverseErr)
}

func (e *CompensationFailureError) Unwrap() error { return ErrCompensationFailed }

// StoreError wraps a driver error as ErrStoreUnavailable while keeping the
// original cause reachable with errors.As.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// Unavailable wraps err as a StoreError. nil stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsRetryable returns true if the operation might succeed on retry.
// Only idempotent paths should act on it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
