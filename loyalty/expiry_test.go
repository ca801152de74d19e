package loyalty_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/glowdesk/lifecycle-engine/loyalty"
	"github.com/glowdesk/lifecycle-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var sweepNow = time.Date(2026, time.June, 15, 3, 0, 0, 0, time.UTC)

func newExpiryEngine(store *memory.Store) *loyalty.ExpiryEngine {
	e := loyalty.NewExpiryEngine(store)
	e.Now = func() time.Time { return sweepNow }
	n := 0
	e.NewID = func() string { n++; return fmt.Sprintf("exp-%d", n) }
	return e
}

func seedEarned(store *memory.Store, id string, amount float64, expiresAt time.Time) {
	exp := expiresAt
	store.AppendTransaction(context.Background(), loyalty.Transaction{
		ID:             id,
		BalanceID:      "bal-1",
		ProgramID:      "prog-1",
		SalonID:        "salon-1",
		CustomerID:     "cust-1",
		Type:           loyalty.TxEarned,
		Amount:         decimal.NewFromFloat(amount),
		IdempotencyKey: id,
		CreatedAt:      expiresAt.AddDate(0, -6, 0),
		ExpiresAt:      &exp,
	})
}

// =============================================================================
// SWEEP BEHAVIOR
// =============================================================================

func TestSweep_ExpiresStaleEarning(t *testing.T) {
	// GIVEN: A balance of 100 backed by one EARNED entry of 100 whose
	//        expiresAt is in the past and expiredAt is null
	// WHEN: Sweeping once
	// THEN: Balance drops by 100, the entry is stamped expiredAt=now,
	//       and one EXPIRED entry of -100 is appended

	store := memory.New()
	store.SeedBalance(loyalty.Balance{
		ID: "bal-1", ProgramID: "prog-1", SalonID: "salon-1", CustomerID: "cust-1",
		Available: decimal.NewFromInt(100),
	})
	seedEarned(store, "earn-1", 100, sweepNow.AddDate(0, 0, -1))
	engine := newExpiryEngine(store)
	ctx := context.Background()

	result, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Processed != 1 || result.Failed != 0 {
		t.Fatalf("expected 1 processed, got %+v", result)
	}
	if !result.Expired.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected 100 expired, got %s", result.Expired)
	}

	b, _ := store.GetBalance(ctx, "bal-1")
	if !b.Available.IsZero() {
		t.Errorf("expected balance 0, got %s", b.Available)
	}

	txs, _ := store.TransactionsForBalance(ctx, "bal-1")
	if len(txs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(txs))
	}
	earned, expired := txs[0], txs[1]
	if earned.ExpiredAt == nil || !earned.ExpiredAt.Equal(sweepNow) {
		t.Errorf("expected earned entry stamped at %v, got %v", sweepNow, earned.ExpiredAt)
	}
	if expired.Type != loyalty.TxExpired {
		t.Fatalf("expected EXPIRED entry, got %s", expired.Type)
	}
	if !expired.Amount.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("expected amount -100, got %s", expired.Amount)
	}
	if !expired.BalanceAfter.IsZero() {
		t.Errorf("expected balanceAfter 0, got %s", expired.BalanceAfter)
	}
}

func TestSweep_SecondPassIsNoOp(t *testing.T) {
	// GIVEN: A sweep already ran and no new expirations occurred
	// WHEN: Sweeping again
	// THEN: Nothing is selected; the balance does not change a second time

	store := memory.New()
	store.SeedBalance(loyalty.Balance{
		ID: "bal-1", ProgramID: "prog-1", SalonID: "salon-1", CustomerID: "cust-1",
		Available: decimal.NewFromInt(150),
	})
	seedEarned(store, "earn-1", 150, sweepNow.AddDate(0, -1, 0))
	engine := newExpiryEngine(store)
	ctx := context.Background()

	first, err := engine.Sweep(ctx)
	if err != nil || first.Processed != 1 {
		t.Fatalf("first sweep: %v %+v", err, first)
	}

	second, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Processed != 0 || second.Failed != 0 {
		t.Fatalf("expected no-op second sweep, got %+v", second)
	}

	b, _ := store.GetBalance(ctx, "bal-1")
	if !b.Available.IsZero() {
		t.Errorf("expected balance still 0, got %s", b.Available)
	}
}

func TestSweep_FutureEarningsUntouched(t *testing.T) {
	// GIVEN: One stale and one still-valid EARNED entry
	// WHEN: Sweeping
	// THEN: Only the stale one is expired

	store := memory.New()
	store.SeedBalance(loyalty.Balance{
		ID: "bal-1", ProgramID: "prog-1", SalonID: "salon-1", CustomerID: "cust-1",
		Available: decimal.NewFromInt(80),
	})
	seedEarned(store, "earn-old", 30, sweepNow.AddDate(0, 0, -2))
	seedEarned(store, "earn-new", 50, sweepNow.AddDate(0, 2, 0))
	engine := newExpiryEngine(store)
	ctx := context.Background()

	result, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("expected 1 processed, got %+v", result)
	}

	b, _ := store.GetBalance(ctx, "bal-1")
	if !b.Available.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected balance 50, got %s", b.Available)
	}
}

func TestSweep_NegativeBalanceSurfacedNotCommitted(t *testing.T) {
	// GIVEN: A stale EARNED entry larger than the remaining balance
	//        (ledger drift — the grant was spent but never offset)
	// WHEN: Sweeping
	// THEN: The unit fails with an integrity error and none of its
	//       three writes land

	store := memory.New()
	store.SeedBalance(loyalty.Balance{
		ID: "bal-1", ProgramID: "prog-1", SalonID: "salon-1", CustomerID: "cust-1",
		Available: decimal.NewFromInt(20),
	})
	seedEarned(store, "earn-1", 100, sweepNow.AddDate(0, 0, -1))
	engine := newExpiryEngine(store)
	ctx := context.Background()

	result, err := engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 1 || result.Processed != 0 {
		t.Fatalf("expected 1 failed, got %+v", result)
	}
	if len(result.Errors) != 1 || !loyalty.IsIntegrity(result.Errors[0]) {
		t.Fatalf("expected integrity error, got %v", result.Errors)
	}

	// Nothing committed: balance intact, entry unstamped, no EXPIRED row.
	b, _ := store.GetBalance(ctx, "bal-1")
	if !b.Available.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected balance unchanged at 20, got %s", b.Available)
	}
	txs, _ := store.TransactionsForBalance(ctx, "bal-1")
	if len(txs) != 1 {
		t.Fatalf("expected only the EARNED entry, got %d", len(txs))
	}
	if txs[0].ExpiredAt != nil {
		t.Error("expected earned entry left unstamped after rollback")
	}
}

func TestSweep_OneFailureDoesNotAbortOthers(t *testing.T) {
	// GIVEN: Two stale entries on different balances, one of which
	//        references a missing balance
	// WHEN: Sweeping
	// THEN: The healthy unit is processed; the broken one is counted failed

	store := memory.New()
	store.SeedBalance(loyalty.Balance{
		ID: "bal-1", ProgramID: "prog-1", SalonID: "salon-1", CustomerID: "cust-1",
		Available: decimal.NewFromInt(40),
	})
	seedEarned(store, "earn-ok", 40, sweepNow.AddDate(0, 0, -3))
	store.AppendTransaction(context.Background(), loyalty.Transaction{
		ID: "earn-orphan", BalanceID: "bal-missing", ProgramID: "prog-1",
		SalonID: "salon-1", CustomerID: "cust-2",
		Type: loyalty.TxEarned, Amount: decimal.NewFromInt(10),
		IdempotencyKey: "earn-orphan",
		CreatedAt:      sweepNow.AddDate(0, -6, 0),
		ExpiresAt:      timePtr(sweepNow.AddDate(0, 0, -1)),
	})
	engine := newExpiryEngine(store)

	result, err := engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Processed != 1 || result.Failed != 1 {
		t.Fatalf("expected 1 processed and 1 failed, got %+v", result)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
