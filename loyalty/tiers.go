/*
tiers.go - Tier eligibility and upgrade commits

PURPOSE:
  For every balance under a tiered program, determine the single best
  eligible tier and, when it differs from the recorded tier, commit the
  upgrade — and an optional bonus grant — as one atomic unit.

ELIGIBILITY:
  All set thresholds must pass simultaneously: total spend, visit
  count, and average monthly spend (spend / max(1, visits)). Unset
  thresholds are vacuously satisfied.

TIE-BREAK:
  Among eligible tiers, the highest minTotalSpent wins; equal spend
  thresholds resolve to the higher rank. Rank is the deterministic
  total order — insertion order never decides.

IDEMPOTENCE:
  Re-running with unchanged data is a no-op: the eligible tier equals
  the recorded tier and no write is issued. The bonus grant carries a
  natural idempotency key (balance + tier) so a replayed upgrade can
  never double-grant.
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TierChange describes one committed upgrade.
type TierChange struct {
	BalanceID  string
	FromTierID string
	ToTierID   string
	TierName   string
	Bonus      decimal.Decimal // zero when no bonus was granted
}

// TierEngine evaluates and commits tier upgrades.
type TierEngine struct {
	Store TxStore
	Now   func() time.Time
	NewID func() string
}

func NewTierEngine(store TxStore) *TierEngine {
	return &TierEngine{Store: store, Now: time.Now, NewID: uuid.NewString}
}

// EligibleTier returns the single best tier the balance qualifies for,
// or nil when none qualifies.
func EligibleTier(tiers []Tier, b Balance) *Tier {
	var best *Tier
	for i := range tiers {
		t := &tiers[i]
		if !qualifies(t, b) {
			continue
		}
		if best == nil || betterTier(t, best) {
			best = t
		}
	}
	return best
}

func qualifies(t *Tier, b Balance) bool {
	if t.MinTotalSpent != nil && b.TotalSpent.LessThan(*t.MinTotalSpent) {
		return false
	}
	if t.MinVisits != nil && b.TotalVisits < *t.MinVisits {
		return false
	}
	if t.MinMonthlySpent != nil {
		visits := b.TotalVisits
		if visits < 1 {
			visits = 1
		}
		avg := b.TotalSpent.Div(decimal.NewFromInt(int64(visits)))
		if avg.LessThan(*t.MinMonthlySpent) {
			return false
		}
	}
	return true
}

func tierByID(tiers []Tier, id string) *Tier {
	for i := range tiers {
		if tiers[i].ID == id {
			return &tiers[i]
		}
	}
	return nil
}

// betterTier orders by minTotalSpent descending, rank descending.
func betterTier(a, b *Tier) bool {
	as, bs := decimal.Zero, decimal.Zero
	if a.MinTotalSpent != nil {
		as = *a.MinTotalSpent
	}
	if b.MinTotalSpent != nil {
		bs = *b.MinTotalSpent
	}
	if !as.Equal(bs) {
		return as.GreaterThan(bs)
	}
	return a.Rank > b.Rank
}

// Evaluate commits an upgrade for one balance if its eligible tier
// differs from the recorded one. Returns nil when nothing changed.
//
// The tier-reference write and the bonus grant (balance increment +
// ledger append) land in one store transaction; partial application is
// impossible.
func (e *TierEngine) Evaluate(ctx context.Context, program Program, tiers []Tier, b Balance) (*TierChange, error) {
	if b.TierID != "" && tierByID(tiers, b.TierID) == nil {
		return nil, fmt.Errorf("recorded tier %s: %w", b.TierID, ErrTierNotFound)
	}

	best := EligibleTier(tiers, b)
	if best == nil || best.ID == b.TierID {
		return nil, nil
	}

	now := e.Now()

	var change *TierChange
	err := e.Store.WithTx(ctx, func(s Store) error {
		// The caller's balance is a listing snapshot; a sweep or another
		// run may have committed since. All mutations apply to the row
		// as read inside this transaction.
		fresh, err := s.GetBalance(ctx, b.ID)
		if err != nil {
			return err
		}
		if fresh.TierID == best.ID {
			return nil
		}

		change = &TierChange{
			BalanceID:  fresh.ID,
			FromTierID: fresh.TierID,
			ToTierID:   best.ID,
			TierName:   best.Name,
			Bonus:      decimal.Zero,
		}

		fresh.TierID = best.ID
		fresh.TierAchievedAt = &now

		if best.CashbackMultiplier.GreaterThan(decimal.NewFromInt(1)) && program.TierBonus.IsPositive() {
			after := fresh.Available.Add(program.TierBonus)
			fresh.Available = after
			fresh.LifetimeEarned = fresh.LifetimeEarned.Add(program.TierBonus)
			change.Bonus = program.TierBonus

			tx := Transaction{
				ID:             e.NewID(),
				BalanceID:      fresh.ID,
				ProgramID:      program.ID,
				SalonID:        fresh.SalonID,
				CustomerID:     fresh.CustomerID,
				Type:           TxTierBonus,
				Amount:         program.TierBonus,
				BalanceAfter:   after,
				Description:    fmt.Sprintf("Bonus for reaching %s tier", best.Name),
				IdempotencyKey: fmt.Sprintf("tier-bonus-%s-%s", fresh.ID, best.ID),
				CreatedAt:      now,
			}
			if err := s.AppendTransaction(ctx, tx); err != nil {
				return err
			}
		}

		return s.UpdateBalance(ctx, *fresh)
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}
