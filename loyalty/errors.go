/*
errors.go - Centralized error types for the loyalty engines

ERROR CATEGORIES:
  1. Ledger errors - append/idempotency failures
  2. Integrity errors - ledger drift, negative balances; fatal for the
     unit and surfaced, never retried silently
  3. Not-found errors - dangling references, skip the unit and log

USAGE:
  Callers classify with the helpers:

    if loyalty.IsIntegrity(err) {
        // surface loudly; this indicates ledger drift
    }
*/
package loyalty

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a ledger entry with
	// the same idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrBalanceNotFound is returned when a referenced balance doesn't exist.
	ErrBalanceNotFound = errors.New("balance not found")

	// ErrTierNotFound is returned when a balance's recorded tier no
	// longer exists under its program.
	ErrTierNotFound = errors.New("tier not found")

	// ErrTransactionNotFound is returned when a ledger entry lookup misses.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrNegativeBalance indicates a write would take a balance below
	// zero. This is ledger drift, not a transient failure.
	ErrNegativeBalance = errors.New("negative resulting balance")

	// ErrBalanceDrift indicates the stored balance no longer matches
	// the ledger projection.
	ErrBalanceDrift = errors.New("balance does not match ledger")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NegativeBalanceError reports the write that would have driven a
// balance negative.
type NegativeBalanceError struct {
	BalanceID     string
	TransactionID string
	Available     decimal.Decimal
	Delta         decimal.Decimal
}

func (e *NegativeBalanceError) Error() string {
	return fmt.Sprintf("negative resulting balance on %s: available %s, delta %s (tx: %s)",
		e.BalanceID, e.Available, e.Delta, e.TransactionID)
}

func (e *NegativeBalanceError) Unwrap() error { return ErrNegativeBalance }

// DriftError reports a stored balance diverging from its ledger.
type DriftError struct {
	BalanceID string
	Stored    decimal.Decimal
	Projected decimal.Decimal
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("balance drift on %s: stored %s, ledger projects %s",
		e.BalanceID, e.Stored, e.Projected)
}

func (e *DriftError) Unwrap() error { return ErrBalanceDrift }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsIntegrity returns true for invariant violations that indicate
// ledger drift. These are fatal for the unit and must be surfaced.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrNegativeBalance) || errors.Is(err, ErrBalanceDrift)
}

// IsNotFound returns true if the error indicates a dangling reference.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBalanceNotFound) ||
		errors.Is(err, ErrTierNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
