/*
expiry.go - Cashback expiry sweep

PURPOSE:
  Enforces that loyalty earnings past their expires_at stop being
  spendable, with a durable audit trail. Selection is EARNED entries
  with expires_at <= now and expired_at still null — the null check is
  what makes repeated sweeps idempotent.

ATOMICITY:
  For each selected entry, three writes land as one store transaction:
  decrement the owning balance, stamp the entry's expired_at, append an
  offsetting EXPIRED entry. The balanceAfter snapshot is computed from
  the balance read inside the same transaction, so it can never diverge
  from the decrement. Partial application would double-expire the same
  grant on the next run; the transactional boundary rules that out.

FAILURE ISOLATION:
  One entry failing never aborts the sweep. Failures are counted and
  reported; a negative resulting balance is an integrity error and is
  surfaced as such rather than swallowed.
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SweepResult reports one expiry pass.
type SweepResult struct {
	Processed int
	Failed    int
	Expired   decimal.Decimal // total amount removed from balances
	Errors    []error
}

// ExpiryEngine runs the cashback expiry sweep.
type ExpiryEngine struct {
	Store TxStore
	Now   func() time.Time
	NewID func() string
}

func NewExpiryEngine(store TxStore) *ExpiryEngine {
	return &ExpiryEngine{Store: store, Now: time.Now, NewID: uuid.NewString}
}

// Sweep expires every stale EARNED entry, one transactional unit per
// entry. Already-swept entries are never selected again.
func (e *ExpiryEngine) Sweep(ctx context.Context) (SweepResult, error) {
	now := e.Now()
	result := SweepResult{Expired: decimal.Zero}

	entries, err := e.Store.ExpiredEarnedTransactions(ctx, now)
	if err != nil {
		return result, fmt.Errorf("select expired earnings: %w", err)
	}

	for _, entry := range entries {
		if err := e.expireOne(ctx, entry, now); err != nil {
			result.Failed++
			result.Errors = append(result.Errors,
				fmt.Errorf("expire %s (balance %s): %w", entry.ID, entry.BalanceID, err))
			continue
		}
		result.Processed++
		result.Expired = result.Expired.Add(entry.Amount)
	}

	return result, nil
}

func (e *ExpiryEngine) expireOne(ctx context.Context, entry Transaction, now time.Time) error {
	return e.Store.WithTx(ctx, func(s Store) error {
		b, err := s.GetBalance(ctx, entry.BalanceID)
		if err != nil {
			return err
		}

		after := b.Available.Sub(entry.Amount)
		if after.IsNegative() {
			return &NegativeBalanceError{
				BalanceID:     b.ID,
				TransactionID: entry.ID,
				Available:     b.Available,
				Delta:         entry.Amount.Neg(),
			}
		}

		if err := s.MarkTransactionExpired(ctx, entry.ID, now); err != nil {
			return err
		}

		offset := Transaction{
			ID:             e.NewID(),
			BalanceID:      entry.BalanceID,
			ProgramID:      entry.ProgramID,
			SalonID:        entry.SalonID,
			CustomerID:     entry.CustomerID,
			Type:           TxExpired,
			Amount:         entry.Amount.Neg(),
			BalanceAfter:   after,
			Description:    fmt.Sprintf("Expired cashback earned %s", entry.CreatedAt.Format("2006-01-02")),
			IdempotencyKey: "expire-" + entry.ID,
			CreatedAt:      now,
		}
		if err := s.AppendTransaction(ctx, offset); err != nil {
			return err
		}

		b.Available = after
		return s.UpdateBalance(ctx, *b)
	})
}
