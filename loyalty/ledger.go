/*
ledger.go - Append-only rewards ledger

PURPOSE:
  The Ledger is the immutable source of truth for balance changes.
  Every earn, redemption, expiry, and tier bonus is recorded here.
  The stored balance is a projection of these entries — after any
  sequence of writes, available balance equals the signed sum of all
  non-reversed entries.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete — the single exception is the
     expiry sweep stamping expired_at on EARNED entries
  2. IDEMPOTENT: same idempotency key = same entry, no duplicates
  3. AUDITABLE: every entry carries a description and a balanceAfter
     snapshot taken inside the same store transaction

CORRECTIONS:
  Mistakes are never edited. A REVERSED entry with the opposite sign is
  appended; both remain in the ledger, and the projection excludes the
  reversed pair's net effect via the REVERSED entry's negative amount.
*/
package loyalty

import (
	"context"

	"github.com/shopspring/decimal"
)

// Ledger is the write/read surface over the transaction log.
type Ledger interface {
	// Append adds an entry. Fails if the idempotency key exists.
	Append(ctx context.Context, tx Transaction) error

	// Transactions returns all entries for a balance, chronologically.
	Transactions(ctx context.Context, balanceID string) ([]Transaction, error)

	// BalanceOf projects the available balance from the ledger.
	BalanceOf(ctx context.Context, balanceID string) (decimal.Decimal, error)
}

// DefaultLedger implements Ledger over a Store.
type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, tx Transaction) error {
	if tx.IdempotencyKey != "" {
		exists, err := l.Store.TransactionExists(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendTransaction(ctx, tx)
}

func (l *DefaultLedger) Transactions(ctx context.Context, balanceID string) ([]Transaction, error) {
	return l.Store.TransactionsForBalance(ctx, balanceID)
}

// BalanceOf replays the ledger. REVERSED entries already carry the
// offsetting sign, so the projection is a plain signed sum.
func (l *DefaultLedger) BalanceOf(ctx context.Context, balanceID string) (decimal.Decimal, error) {
	txs, err := l.Store.TransactionsForBalance(ctx, balanceID)
	if err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	return sum, nil
}

// Verify checks the stored balance against the ledger projection and
// returns a DriftError on divergence. Drift is an integrity failure,
// not a transient one.
func (l *DefaultLedger) Verify(ctx context.Context, b Balance) error {
	projected, err := l.BalanceOf(ctx, b.ID)
	if err != nil {
		return err
	}
	if !projected.Equal(b.Available) {
		return &DriftError{BalanceID: b.ID, Stored: b.Available, Projected: projected}
	}
	return nil
}
