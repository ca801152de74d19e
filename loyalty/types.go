/*
Package loyalty implements the rewards ledger, tier engine, and
cashback expiry sweep.

PURPOSE:
  Maintains the (balance, ledger) pair for every customer enrolled in a
  loyalty program. The transaction log is the source of truth; the
  stored balance is a materialized projection kept in lockstep through
  a single transactional boundary per mutation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: an immutable, signed ledger entry with a balanceAfter
    snapshot. Written once; the only later write is the expiry sweep
    stamping expiredAt on EARNED entries.
  - Balance: the materialized projection (available, lifetime earned,
    spend/visit counters, current tier).
  - Program/Tier: salon-owned configuration with ordered tier
    thresholds and cashback multipliers.

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are corrected by reversal, not edit
  2. Precision: amounts are decimal.Decimal, never float
  3. Auditability: every entry carries a description and idempotency key

SEE ALSO:
  - ledger.go: Append/projection over a Store
  - tiers.go: Tier eligibility and upgrade commits
  - expiry.go: The idempotent expiry sweep
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxEarned    TransactionType = "EARNED"     // Cashback earned on a sale
	TxRedeemed  TransactionType = "REDEEMED"   // Balance spent by the customer
	TxExpired   TransactionType = "EXPIRED"    // Offsetting entry from the expiry sweep
	TxTierBonus TransactionType = "TIER_BONUS" // One-time grant on tier upgrade
	TxAdjusted  TransactionType = "ADJUSTED"   // Manual admin correction
	TxReversed  TransactionType = "REVERSED"   // Undo of a previous entry
)

// Transaction is one signed, timestamped balance change.
//
// Lifecycle: created once, immutable thereafter — except the single
// expiry-sweep write of ExpiredAt on EARNED entries.
type Transaction struct {
	ID         string
	BalanceID  string
	ProgramID  string
	SalonID    string
	CustomerID string

	Type         TransactionType
	Amount       decimal.Decimal // signed
	BalanceAfter decimal.Decimal // snapshot after this entry applied
	Description  string

	IdempotencyKey string
	CreatedAt      time.Time
	ExpiresAt      *time.Time // set on EARNED entries with a shelf life
	ExpiredAt      *time.Time // nil until swept
}

// =============================================================================
// PROGRAM / TIER - Salon-owned configuration
// =============================================================================

// Program is one salon's loyalty configuration.
type Program struct {
	ID             string
	SalonID        string
	Name           string
	TieringEnabled bool
	// TierBonus is the fixed grant issued when a customer reaches a
	// tier whose cashback multiplier exceeds 1.
	TierBonus decimal.Decimal
	CreatedAt time.Time
}

// Tier is one loyalty level. Unset thresholds (nil) are vacuously
// satisfied.
type Tier struct {
	ID        string
	ProgramID string
	Name      string
	Rank      int // ascending with tier level; deterministic tie-break

	MinTotalSpent   *decimal.Decimal
	MinVisits       *int
	MinMonthlySpent *decimal.Decimal

	CashbackMultiplier decimal.Decimal
}

// =============================================================================
// BALANCE - Materialized projection of the ledger
// =============================================================================

// Balance is one (customer, program) rewards account.
//
// INVARIANT: Available always equals the signed sum of all non-REVERSED
// ledger entries for this balance. It is maintained in lockstep with
// the ledger inside a store transaction, never independently.
type Balance struct {
	ID         string
	ProgramID  string
	SalonID    string
	CustomerID string

	Available      decimal.Decimal
	LifetimeEarned decimal.Decimal
	TotalSpent     decimal.Decimal
	TotalVisits    int

	TierID         string // empty when untiered
	TierAchievedAt *time.Time
}

// =============================================================================
// STORE - Persistence boundary
// =============================================================================

// Store is the persistence surface the loyalty engines run against.
// AppendTransaction is append-only; MarkTransactionExpired is the one
// permitted update, and only stamps expired_at.
type Store interface {
	GetBalance(ctx context.Context, balanceID string) (*Balance, error)
	UpdateBalance(ctx context.Context, b Balance) error

	AppendTransaction(ctx context.Context, tx Transaction) error
	TransactionsForBalance(ctx context.Context, balanceID string) ([]Transaction, error)
	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)

	// ExpiredEarnedTransactions returns EARNED entries with
	// expires_at <= now and expired_at still null. The null check is
	// what makes repeated sweeps idempotent.
	ExpiredEarnedTransactions(ctx context.Context, now time.Time) ([]Transaction, error)

	// MarkTransactionExpired stamps expired_at on an EARNED entry.
	MarkTransactionExpired(ctx context.Context, txID string, at time.Time) error
}

// TxStore wraps Store with a transactional boundary. The tier-upgrade
// and expiry-sweep write groups must run inside WithTx: either all of
// a unit's writes land or none do.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
