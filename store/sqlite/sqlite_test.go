package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdesk/lifecycle-engine/analytics"
	"github.com/glowdesk/lifecycle-engine/loyalty"
	"github.com/glowdesk/lifecycle-engine/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

var testNow = time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)

func seedBalance(t *testing.T, s *Store, id string, available string) loyalty.Balance {
	t.Helper()
	b := loyalty.Balance{
		ID:         id,
		ProgramID:  "prog-1",
		SalonID:    "salon-1",
		CustomerID: "cust-" + id,
		Available:  dec(available),
	}
	require.NoError(t, s.SaveBalance(context.Background(), b))
	return b
}

// GIVEN a stored balance and appended transactions
// WHEN the ledger is read back
// THEN entries round-trip in chronological order with decimals intact
func TestStore_LedgerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBalance(t, s, "bal-1", "0")

	expires := testNow.AddDate(1, 0, 0)
	first := loyalty.Transaction{
		ID: "tx-1", BalanceID: "bal-1", ProgramID: "prog-1",
		SalonID: "salon-1", CustomerID: "cust-bal-1",
		Type: loyalty.TxEarned, Amount: dec("12.50"), BalanceAfter: dec("12.50"),
		Description: "cashback on sale", IdempotencyKey: "earn-1",
		CreatedAt: testNow, ExpiresAt: &expires,
	}
	second := loyalty.Transaction{
		ID: "tx-2", BalanceID: "bal-1", ProgramID: "prog-1",
		SalonID: "salon-1", CustomerID: "cust-bal-1",
		Type: loyalty.TxRedeemed, Amount: dec("-5"), BalanceAfter: dec("7.50"),
		IdempotencyKey: "redeem-1", CreatedAt: testNow.Add(time.Hour),
	}
	require.NoError(t, s.AppendTransaction(ctx, first))
	require.NoError(t, s.AppendTransaction(ctx, second))

	txs, err := s.TransactionsForBalance(ctx, "bal-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "tx-1", txs[0].ID)
	assert.True(t, txs[0].Amount.Equal(dec("12.50")))
	require.NotNil(t, txs[0].ExpiresAt)
	assert.True(t, txs[0].ExpiresAt.Equal(expires))
	assert.Nil(t, txs[0].ExpiredAt)
	assert.Equal(t, loyalty.TxRedeemed, txs[1].Type)
	assert.True(t, txs[1].BalanceAfter.Equal(dec("7.50")))

	exists, err := s.TransactionExists(ctx, "earn-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

// GIVEN an entry already written under an idempotency key
// WHEN another entry reuses the key
// THEN the insert is rejected with the duplicate sentinel
func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBalance(t, s, "bal-1", "0")

	tx := loyalty.Transaction{
		ID: "tx-1", BalanceID: "bal-1", ProgramID: "prog-1",
		SalonID: "salon-1", CustomerID: "cust-bal-1",
		Type: loyalty.TxEarned, Amount: dec("10"), BalanceAfter: dec("10"),
		IdempotencyKey: "earn-1", CreatedAt: testNow,
	}
	require.NoError(t, s.AppendTransaction(ctx, tx))

	tx.ID = "tx-2"
	err := s.AppendTransaction(ctx, tx)
	assert.ErrorIs(t, err, loyalty.ErrDuplicateIdempotencyKey)
}

// GIVEN a balance update and a ledger append grouped in WithTx
// WHEN the callback returns an error
// THEN neither write is visible afterwards
func TestStore_WithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBalance(t, s, "bal-1", "100")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx loyalty.Store) error {
		b, err := tx.GetBalance(ctx, "bal-1")
		if err != nil {
			return err
		}
		b.Available = dec("50")
		if err := tx.UpdateBalance(ctx, *b); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, loyalty.Transaction{
			ID: "tx-1", BalanceID: "bal-1", ProgramID: "prog-1",
			SalonID: "salon-1", CustomerID: "cust-bal-1",
			Type: loyalty.TxRedeemed, Amount: dec("-50"), BalanceAfter: dec("50"),
			IdempotencyKey: "redeem-1", CreatedAt: testNow,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := s.GetBalance(ctx, "bal-1")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("100")))

	txs, err := s.TransactionsForBalance(ctx, "bal-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

// GIVEN a successful WithTx group
// WHEN it commits
// THEN both writes are visible together
func TestStore_WithTxCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBalance(t, s, "bal-1", "0")

	err := s.WithTx(ctx, func(tx loyalty.Store) error {
		b, err := tx.GetBalance(ctx, "bal-1")
		if err != nil {
			return err
		}
		b.Available = dec("25")
		if err := tx.UpdateBalance(ctx, *b); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, loyalty.Transaction{
			ID: "tx-1", BalanceID: "bal-1", ProgramID: "prog-1",
			SalonID: "salon-1", CustomerID: "cust-bal-1",
			Type: loyalty.TxEarned, Amount: dec("25"), BalanceAfter: dec("25"),
			IdempotencyKey: "earn-1", CreatedAt: testNow,
		})
	})
	require.NoError(t, err)

	b, err := s.GetBalance(ctx, "bal-1")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("25")))

	txs, err := s.TransactionsForBalance(ctx, "bal-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

// GIVEN EARNED entries in various expiry states plus a non-EARNED entry
// WHEN the sweep selection runs
// THEN only the stale, unstamped EARNED entry is returned
func TestStore_ExpiredEarnedSelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBalance(t, s, "bal-1", "0")

	past := testNow.AddDate(0, -1, 0)
	future := testNow.AddDate(0, 1, 0)
	stamped := testNow.AddDate(0, -2, 0)

	entries := []loyalty.Transaction{
		{ID: "tx-stale", Type: loyalty.TxEarned, ExpiresAt: &past},
		{ID: "tx-fresh", Type: loyalty.TxEarned, ExpiresAt: &future},
		{ID: "tx-done", Type: loyalty.TxEarned, ExpiresAt: &stamped, ExpiredAt: &past},
		{ID: "tx-bonus", Type: loyalty.TxTierBonus, ExpiresAt: &past},
		{ID: "tx-open", Type: loyalty.TxEarned}, // no shelf life
	}
	for i, tx := range entries {
		tx.BalanceID = "bal-1"
		tx.ProgramID = "prog-1"
		tx.SalonID = "salon-1"
		tx.CustomerID = "cust-bal-1"
		tx.Amount = dec("10")
		tx.BalanceAfter = dec("10")
		tx.CreatedAt = testNow.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.AppendTransaction(ctx, tx))
	}

	stale, err := s.ExpiredEarnedTransactions(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "tx-stale", stale[0].ID)
}

// GIVEN an entry already stamped expired
// WHEN it is stamped again
// THEN the second stamp is rejected
func TestStore_MarkExpiredOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBalance(t, s, "bal-1", "0")

	past := testNow.AddDate(0, -1, 0)
	require.NoError(t, s.AppendTransaction(ctx, loyalty.Transaction{
		ID: "tx-1", BalanceID: "bal-1", ProgramID: "prog-1",
		SalonID: "salon-1", CustomerID: "cust-bal-1",
		Type: loyalty.TxEarned, Amount: dec("10"), BalanceAfter: dec("10"),
		CreatedAt: past, ExpiresAt: &past,
	}))

	require.NoError(t, s.MarkTransactionExpired(ctx, "tx-1", testNow))
	err := s.MarkTransactionExpired(ctx, "tx-1", testNow)
	assert.ErrorIs(t, err, loyalty.ErrTransactionNotFound)
}

// GIVEN customers with visits and sales, one of them soft-deleted
// WHEN histories are listed for the salon
// THEN only live customers return, each with their own rows grouped
func TestStore_ListCustomerHistories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCustomer(ctx, metrics.Customer{
		ID: "cust-1", SalonID: "salon-1", Name: "Ada", CreatedAt: testNow.AddDate(-1, 0, 0),
	}))
	require.NoError(t, s.SaveCustomer(ctx, metrics.Customer{
		ID: "cust-2", SalonID: "salon-1", Name: "Grace", CreatedAt: testNow.AddDate(-1, 0, 0),
		Deleted: true,
	}))

	require.NoError(t, s.SaveVisit(ctx, metrics.Visit{
		ID: "v-1", CustomerID: "cust-1", SalonID: "salon-1",
		Status: metrics.StatusCompleted, StartAt: testNow.AddDate(0, -1, 0),
	}))
	require.NoError(t, s.SaveVisit(ctx, metrics.Visit{
		ID: "v-2", CustomerID: "cust-2", SalonID: "salon-1",
		Status: metrics.StatusCompleted, StartAt: testNow.AddDate(0, -1, 0),
	}))
	require.NoError(t, s.SaveSale(ctx, metrics.Sale{
		ID: "s-1", CustomerID: "cust-1", SalonID: "salon-1",
		Total: dec("45.50"), CreatedAt: testNow.AddDate(0, -1, 0),
	}))

	histories, err := s.ListCustomerHistories(ctx, "salon-1")
	require.NoError(t, err)
	require.Len(t, histories, 1)
	assert.Equal(t, "cust-1", histories[0].Customer.ID)
	require.Len(t, histories[0].Visits, 1)
	assert.Equal(t, "v-1", histories[0].Visits[0].ID)
	require.Len(t, histories[0].Sales, 1)
	assert.True(t, histories[0].Sales[0].Total.Equal(dec("45.50")))
}

// GIVEN a metrics row written twice for the same customer
// WHEN it is read back
// THEN the second write fully replaced the first
func TestStore_UpsertClientMetricsOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := metrics.ClientMetrics{
		CustomerID: "cust-1", SalonID: "salon-1",
		LifetimeValue: dec("100"), TotalSpent: dec("100"),
		AvgTransactionValue: dec("50"), LastPurchaseAmount: dec("50"),
		AvgMonthlySpending: dec("25"), PredictedLTV: dec("300"),
		TotalVisits: 2, DaysSinceLastVisit: 10,
		RetentionStatus: metrics.RetentionActive, CohortMonth: "2026-01",
		AppointmentShowRate: 100, LastCalculatedAt: testNow,
	}
	require.NoError(t, s.UpsertClientMetrics(ctx, row))

	row.TotalSpent = dec("150")
	row.RetentionStatus = metrics.RetentionAtRisk
	row.ChurnRisk = 55
	require.NoError(t, s.UpsertClientMetrics(ctx, row))

	got, err := s.GetClientMetrics(ctx, "cust-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.TotalSpent.Equal(dec("150")))
	assert.Equal(t, metrics.RetentionAtRisk, got.RetentionStatus)
	assert.Equal(t, 55.0, got.ChurnRisk)
	assert.Equal(t, "2026-01", got.CohortMonth)
}

// GIVEN a reporting row written twice for the same (salon, date, period)
// WHEN it is read back
// THEN only the replacement remains
func TestStore_UpsertSalonAnalyticsKeyed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

	row := analytics.SalonAnalytics{
		SalonID: "salon-1", Date: date, Period: analytics.PeriodDaily,
		TotalCustomers: 5, ActiveCustomers: 3,
		TotalRevenue: dec("500"), AvgTransactionValue: dec("100"),
		AvgPredictedLTV: dec("1200"), RetentionRate: 60,
		GeneratedAt: testNow,
	}
	require.NoError(t, s.UpsertSalonAnalytics(ctx, row))

	row.TotalCustomers = 6
	row.TotalRevenue = dec("650")
	require.NoError(t, s.UpsertSalonAnalytics(ctx, row))

	got, err := s.GetSalonAnalytics(ctx, "salon-1", date, analytics.PeriodDaily)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 6, got.TotalCustomers)
	assert.True(t, got.TotalRevenue.Equal(dec("650")))

	missing, err := s.GetSalonAnalytics(ctx, "salon-1", date, analytics.PeriodMonthly)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// GIVEN tiers saved out of order
// WHEN they are listed
// THEN they come back ascending by rank
func TestStore_ListTiersOrderedByRank(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	gold := dec("5000")
	for _, tier := range []loyalty.Tier{
		{ID: "tier-gold", ProgramID: "prog-1", Name: "Gold", Rank: 3,
			MinTotalSpent: &gold, CashbackMultiplier: dec("1.5")},
		{ID: "tier-bronze", ProgramID: "prog-1", Name: "Bronze", Rank: 1,
			CashbackMultiplier: dec("1")},
		{ID: "tier-silver", ProgramID: "prog-1", Name: "Silver", Rank: 2,
			CashbackMultiplier: dec("1.2")},
	} {
		require.NoError(t, s.SaveTier(ctx, tier))
	}

	tiers, err := s.ListTiers(ctx, "prog-1")
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, []string{"tier-bronze", "tier-silver", "tier-gold"},
		[]string{tiers[0].ID, tiers[1].ID, tiers[2].ID})
	assert.Nil(t, tiers[0].MinTotalSpent)
	require.NotNil(t, tiers[2].MinTotalSpent)
	assert.True(t, tiers[2].MinTotalSpent.Equal(dec("5000")))
}

// GIVEN programs with and without tiering
// WHEN tiered programs are listed
// THEN only tiering-enabled ones return
func TestStore_ListTieredPrograms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProgram(ctx, loyalty.Program{
		ID: "prog-1", SalonID: "salon-1", Name: "Glow Rewards",
		TieringEnabled: true, TierBonus: dec("10"), CreatedAt: testNow,
	}))
	require.NoError(t, s.SaveProgram(ctx, loyalty.Program{
		ID: "prog-2", SalonID: "salon-2", Name: "Flat Cashback",
		TierBonus: dec("0"), CreatedAt: testNow,
	}))

	programs, err := s.ListTieredPrograms(ctx)
	require.NoError(t, err)
	require.Len(t, programs, 1)
	assert.Equal(t, "prog-1", programs[0].ID)
	assert.True(t, programs[0].TierBonus.Equal(dec("10")))
}

// GIVEN saved job runs
// WHEN they are listed
// THEN newest first, with counters intact
func TestStore_JobRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveJobRun(ctx, JobRun{
		ID: "run-1", Job: "metrics", Processed: 12, Skipped: 1,
		StartedAt: testNow, CompletedAt: testNow.Add(time.Second),
	}))
	require.NoError(t, s.SaveJobRun(ctx, JobRun{
		ID: "run-2", Job: "expiry", Processed: 3, Failed: 1, Error: "1 unit failed",
		StartedAt: testNow.Add(time.Minute), CompletedAt: testNow.Add(2 * time.Minute),
	}))

	runs, err := s.ListJobRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, 1, runs[0].Failed)
	assert.Equal(t, "1 unit failed", runs[0].Error)
	assert.Equal(t, 12, runs[1].Processed)
}

// GIVEN active and deactivated salons
// WHEN active salons are listed
// THEN the deactivated one is excluded
func TestStore_ListActiveSalons(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSalon(ctx, Salon{ID: "salon-1", Name: "Glow Downtown", Active: true, CreatedAt: testNow}))
	require.NoError(t, s.SaveSalon(ctx, Salon{ID: "salon-2", Name: "Closed Branch", Active: false, CreatedAt: testNow}))

	salons, err := s.ListActiveSalons(ctx)
	require.NoError(t, err)
	require.Len(t, salons, 1)
	assert.Equal(t, "salon-1", salons[0].ID)
}
