/*
Package sqlite provides the SQLite-backed implementation of the
persistence boundary.

PURPOSE:
  Implements every read/write contract the engines consume: source
  reads (salons, customers with nested visit/sale history, programs,
  tiers, balances), derived-row upserts (client_metrics,
  salon_analytics), the append-only loyalty ledger, and job-run
  records. In production the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  The loyalty_transactions table has no UPDATE path except the single
  expiry-sweep stamp of expired_at, and no DELETE path at all.
  Corrections are appended as REVERSED entries.

KEY TABLES:
  salons, customers, visits, sales:  source data, read-only for engines
  client_metrics:                    derived cache, overwritten per run
  salon_analytics:                   one row per (salon, date, period)
  loyalty_programs/tiers/balances:   program configuration and accounts
  loyalty_transactions:              the immutable rewards ledger
  job_runs:                          batch run reports

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, plus WAL mode for better read
  concurrency. The mutex also serializes WithTx groups, which guards
  the balance/ledger pair against the tier engine and the expiry sweep
  touching the same balance concurrently.

USAGE:
  store, err := sqlite.New("./data/lifecycle.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/types.go: Store/TxStore interface definitions
  - store/memory: In-memory implementation for engine tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/glowdesk/lifecycle-engine/analytics"
	"github.com/glowdesk/lifecycle-engine/loyalty"
	"github.com/glowdesk/lifecycle-engine/metrics"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ loyalty.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Tenants
	CREATE TABLE IF NOT EXISTS salons (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Source data (read-only for the engines)
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		salon_id TEXT NOT NULL,
		name TEXT NOT NULL,
		deleted BOOLEAN DEFAULT FALSE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_customers_salon ON customers(salon_id);

	CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		salon_id TEXT NOT NULL,
		status TEXT NOT NULL,
		start_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_visits_salon ON visits(salon_id);
	CREATE INDEX IF NOT EXISTS idx_visits_customer ON visits(customer_id, start_at);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		salon_id TEXT NOT NULL,
		total TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sales_salon ON sales(salon_id);
	CREATE INDEX IF NOT EXISTS idx_sales_customer ON sales(customer_id, created_at);

	-- Derived cache, overwritten wholesale each metrics run
	CREATE TABLE IF NOT EXISTS client_metrics (
		customer_id TEXT PRIMARY KEY,
		salon_id TEXT NOT NULL,
		lifetime_value TEXT NOT NULL,
		total_spent TEXT NOT NULL,
		avg_transaction_value TEXT NOT NULL,
		last_purchase_amount TEXT NOT NULL,
		avg_monthly_spending TEXT NOT NULL,
		predicted_ltv TEXT NOT NULL,
		total_visits INTEGER NOT NULL,
		visit_frequency REAL NOT NULL,
		avg_days_between_visits REAL NOT NULL,
		days_since_last_visit INTEGER NOT NULL,
		cancellation_rate REAL NOT NULL,
		appointment_show_rate REAL NOT NULL,
		churn_risk REAL NOT NULL,
		retention_status TEXT NOT NULL,
		cohort_month TEXT,
		months_since_first_visit INTEGER NOT NULL,
		loyalty_score REAL NOT NULL,
		satisfaction_score REAL NOT NULL,
		referral_score REAL NOT NULL,
		is_vip BOOLEAN NOT NULL,
		is_at_risk BOOLEAN NOT NULL,
		needs_attention BOOLEAN NOT NULL,
		last_calculated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_client_metrics_salon
		ON client_metrics(salon_id);
	CREATE INDEX IF NOT EXISTS idx_client_metrics_status
		ON client_metrics(salon_id, retention_status);

	-- One reporting row per (salon, date, period)
	CREATE TABLE IF NOT EXISTS salon_analytics (
		salon_id TEXT NOT NULL,
		date TEXT NOT NULL,
		period TEXT NOT NULL,
		total_customers INTEGER NOT NULL,
		active_customers INTEGER NOT NULL,
		new_customers INTEGER NOT NULL,
		churned_customers INTEGER NOT NULL,
		total_revenue TEXT NOT NULL,
		avg_transaction_value TEXT NOT NULL,
		avg_predicted_ltv TEXT NOT NULL,
		total_appointments INTEGER NOT NULL,
		completed_appointments INTEGER NOT NULL,
		cancelled_appointments INTEGER NOT NULL,
		retention_rate REAL NOT NULL,
		churn_rate REAL NOT NULL,
		generated_at TEXT NOT NULL,
		PRIMARY KEY (salon_id, date, period)
	);

	-- Loyalty configuration
	CREATE TABLE IF NOT EXISTS loyalty_programs (
		id TEXT PRIMARY KEY,
		salon_id TEXT NOT NULL,
		name TEXT NOT NULL,
		tiering_enabled BOOLEAN DEFAULT FALSE,
		tier_bonus TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_programs_salon ON loyalty_programs(salon_id);

	CREATE TABLE IF NOT EXISTS loyalty_tiers (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL,
		name TEXT NOT NULL,
		rank INTEGER NOT NULL,
		min_total_spent TEXT,
		min_visits INTEGER,
		min_monthly_spent TEXT,
		cashback_multiplier TEXT NOT NULL DEFAULT '1'
	);
	CREATE INDEX IF NOT EXISTS idx_tiers_program ON loyalty_tiers(program_id, rank);

	CREATE TABLE IF NOT EXISTS loyalty_balances (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL,
		salon_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		available_balance TEXT NOT NULL DEFAULT '0',
		lifetime_earned TEXT NOT NULL DEFAULT '0',
		total_spent TEXT NOT NULL DEFAULT '0',
		total_visits INTEGER NOT NULL DEFAULT 0,
		tier_id TEXT,
		tier_achieved_at TEXT,
		UNIQUE(program_id, customer_id)
	);
	CREATE INDEX IF NOT EXISTS idx_balances_program ON loyalty_balances(program_id);

	-- The rewards ledger (append-only; the expired_at stamp is the
	-- single permitted update)
	CREATE TABLE IF NOT EXISTS loyalty_transactions (
		id TEXT PRIMARY KEY,
		balance_id TEXT NOT NULL,
		program_id TEXT NOT NULL,
		salon_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		expired_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_balance
		ON loyalty_transactions(balance_id, created_at);
	-- Hot path for the expiry sweep's selection predicate
	CREATE INDEX IF NOT EXISTS idx_transactions_expiry
		ON loyalty_transactions(tx_type, expires_at)
		WHERE expired_at IS NULL;

	-- Batch run reports
	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx abstracts over *sql.DB and *sql.Tx so the balance and ledger
// writes can run either standalone or inside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SALONS
// =============================================================================

// Salon is one tenant record.
type Salon struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

func (s *Store) SaveSalon(ctx context.Context, salon Salon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO salons (id, name, active, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active`,
		salon.ID, salon.Name, salon.Active, formatTime(salon.CreatedAt))
	return err
}

// ListActiveSalons returns all non-deactivated tenants.
func (s *Store) ListActiveSalons(ctx context.Context) ([]Salon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, active, created_at FROM salons WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list salons: %w", err)
	}
	defer rows.Close()

	var salons []Salon
	for rows.Next() {
		var sl Salon
		var createdAt string
		if err := rows.Scan(&sl.ID, &sl.Name, &sl.Active, &createdAt); err != nil {
			return nil, err
		}
		sl.CreatedAt = parseTime(createdAt)
		salons = append(salons, sl)
	}
	return salons, rows.Err()
}

// =============================================================================
// CUSTOMERS AND HISTORY
// =============================================================================

// CustomerHistory bundles one customer with their visit and sale
// collections, the unit of work for a metrics run.
type CustomerHistory struct {
	Customer metrics.Customer
	Visits   []metrics.Visit
	Sales    []metrics.Sale
}

func (s *Store) SaveCustomer(ctx context.Context, c metrics.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, salon_id, name, deleted, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, deleted = excluded.deleted`,
		c.ID, c.SalonID, c.Name, c.Deleted, formatTime(c.CreatedAt))
	return err
}

func (s *Store) SaveVisit(ctx context.Context, v metrics.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visits (id, customer_id, salon_id, status, start_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, start_at = excluded.start_at`,
		v.ID, v.CustomerID, v.SalonID, string(v.Status), formatTime(v.StartAt))
	return err
}

func (s *Store) SaveSale(ctx context.Context, sale metrics.Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (id, customer_id, salon_id, total, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET total = excluded.total`,
		sale.ID, sale.CustomerID, sale.SalonID, sale.Total.String(), formatTime(sale.CreatedAt))
	return err
}

// ListCustomerHistories returns every non-deleted customer of a salon
// with their nested visits and sales. Rows are grouped in memory from
// three indexed queries rather than a join.
func (s *Store) ListCustomerHistories(ctx context.Context, salonID string) ([]CustomerHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, salon_id, name, deleted, created_at
		FROM customers WHERE salon_id = ? AND NOT deleted ORDER BY id`, salonID)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var histories []CustomerHistory
	index := make(map[string]int)
	for rows.Next() {
		var c metrics.Customer
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SalonID, &c.Name, &c.Deleted, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(createdAt)
		index[c.ID] = len(histories)
		histories = append(histories, CustomerHistory{Customer: c})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visits, err := s.listVisits(ctx, salonID)
	if err != nil {
		return nil, err
	}
	for _, v := range visits {
		if i, ok := index[v.CustomerID]; ok {
			histories[i].Visits = append(histories[i].Visits, v)
		}
	}

	sales, err := s.listSales(ctx, salonID)
	if err != nil {
		return nil, err
	}
	for _, sale := range sales {
		if i, ok := index[sale.CustomerID]; ok {
			histories[i].Sales = append(histories[i].Sales, sale)
		}
	}

	return histories, nil
}

// ListSalonActivity returns all visit and sale rows for a salon, for
// the rollup aggregator.
func (s *Store) ListSalonActivity(ctx context.Context, salonID string) ([]metrics.Visit, []metrics.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visits, err := s.listVisits(ctx, salonID)
	if err != nil {
		return nil, nil, err
	}
	sales, err := s.listSales(ctx, salonID)
	if err != nil {
		return nil, nil, err
	}
	return visits, sales, nil
}

func (s *Store) listVisits(ctx context.Context, salonID string) ([]metrics.Visit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, salon_id, status, start_at
		FROM visits WHERE salon_id = ? ORDER BY start_at`, salonID)
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	defer rows.Close()

	var visits []metrics.Visit
	for rows.Next() {
		var v metrics.Visit
		var status, startAt string
		if err := rows.Scan(&v.ID, &v.CustomerID, &v.SalonID, &status, &startAt); err != nil {
			return nil, err
		}
		v.Status = metrics.VisitStatus(status)
		v.StartAt = parseTime(startAt)
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

func (s *Store) listSales(ctx context.Context, salonID string) ([]metrics.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, salon_id, total, created_at
		FROM sales WHERE salon_id = ? ORDER BY created_at`, salonID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	defer rows.Close()

	var sales []metrics.Sale
	for rows.Next() {
		var sale metrics.Sale
		var total, createdAt string
		if err := rows.Scan(&sale.ID, &sale.CustomerID, &sale.SalonID, &total, &createdAt); err != nil {
			return nil, err
		}
		sale.Total = parseDecimal(total)
		sale.CreatedAt = parseTime(createdAt)
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

// =============================================================================
// CLIENT METRICS (derived cache)
// =============================================================================

// UpsertClientMetrics overwrites the full row for one customer.
// The row is a derived cache; there is deliberately no partial update.
func (s *Store) UpsertClientMetrics(ctx context.Context, m metrics.ClientMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_metrics (
			customer_id, salon_id, lifetime_value, total_spent,
			avg_transaction_value, last_purchase_amount, avg_monthly_spending,
			predicted_ltv, total_visits, visit_frequency, avg_days_between_visits,
			days_since_last_visit, cancellation_rate, appointment_show_rate,
			churn_risk, retention_status, cohort_month, months_since_first_visit,
			loyalty_score, satisfaction_score, referral_score,
			is_vip, is_at_risk, needs_attention, last_calculated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			salon_id = excluded.salon_id,
			lifetime_value = excluded.lifetime_value,
			total_spent = excluded.total_spent,
			avg_transaction_value = excluded.avg_transaction_value,
			last_purchase_amount = excluded.last_purchase_amount,
			avg_monthly_spending = excluded.avg_monthly_spending,
			predicted_ltv = excluded.predicted_ltv,
			total_visits = excluded.total_visits,
			visit_frequency = excluded.visit_frequency,
			avg_days_between_visits = excluded.avg_days_between_visits,
			days_since_last_visit = excluded.days_since_last_visit,
			cancellation_rate = excluded.cancellation_rate,
			appointment_show_rate = excluded.appointment_show_rate,
			churn_risk = excluded.churn_risk,
			retention_status = excluded.retention_status,
			cohort_month = excluded.cohort_month,
			months_since_first_visit = excluded.months_since_first_visit,
			loyalty_score = excluded.loyalty_score,
			satisfaction_score = excluded.satisfaction_score,
			referral_score = excluded.referral_score,
			is_vip = excluded.is_vip,
			is_at_risk = excluded.is_at_risk,
			needs_attention = excluded.needs_attention,
			last_calculated_at = excluded.last_calculated_at`,
		m.CustomerID, m.SalonID, m.LifetimeValue.String(), m.TotalSpent.String(),
		m.AvgTransactionValue.String(), m.LastPurchaseAmount.String(), m.AvgMonthlySpending.String(),
		m.PredictedLTV.String(), m.TotalVisits, m.VisitFrequency, m.AvgDaysBetweenVisits,
		m.DaysSinceLastVisit, m.CancellationRate, m.AppointmentShowRate,
		m.ChurnRisk, string(m.RetentionStatus), m.CohortMonth, m.MonthsSinceFirstVisit,
		m.LoyaltyScore, m.SatisfactionScore, m.ReferralScore,
		m.IsVIP, m.IsAtRisk, m.NeedsAttention, formatTime(m.LastCalculatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert client metrics: %w", err)
	}
	return nil
}

func (s *Store) GetClientMetrics(ctx context.Context, customerID string) (*metrics.ClientMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, clientMetricsSelect+` WHERE customer_id = ?`, customerID)
	m, err := scanClientMetrics(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMetricsBySalon(ctx context.Context, salonID string) ([]metrics.ClientMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, clientMetricsSelect+` WHERE salon_id = ? ORDER BY customer_id`, salonID)
	if err != nil {
		return nil, fmt.Errorf("failed to list client metrics: %w", err)
	}
	defer rows.Close()

	var result []metrics.ClientMetrics
	for rows.Next() {
		m, err := scanClientMetrics(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

const clientMetricsSelect = `
	SELECT customer_id, salon_id, lifetime_value, total_spent,
	       avg_transaction_value, last_purchase_amount, avg_monthly_spending,
	       predicted_ltv, total_visits, visit_frequency, avg_days_between_visits,
	       days_since_last_visit, cancellation_rate, appointment_show_rate,
	       churn_risk, retention_status, cohort_month, months_since_first_visit,
	       loyalty_score, satisfaction_score, referral_score,
	       is_vip, is_at_risk, needs_attention, last_calculated_at
	FROM client_metrics`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanClientMetrics(row scanner) (metrics.ClientMetrics, error) {
	var m metrics.ClientMetrics
	var lifetimeValue, totalSpent, atv, lastPurchase, monthly, ltv string
	var status string
	var cohort sql.NullString
	var calculatedAt string

	err := row.Scan(
		&m.CustomerID, &m.SalonID, &lifetimeValue, &totalSpent,
		&atv, &lastPurchase, &monthly,
		&ltv, &m.TotalVisits, &m.VisitFrequency, &m.AvgDaysBetweenVisits,
		&m.DaysSinceLastVisit, &m.CancellationRate, &m.AppointmentShowRate,
		&m.ChurnRisk, &status, &cohort, &m.MonthsSinceFirstVisit,
		&m.LoyaltyScore, &m.SatisfactionScore, &m.ReferralScore,
		&m.IsVIP, &m.IsAtRisk, &m.NeedsAttention, &calculatedAt,
	)
	if err != nil {
		return m, err
	}

	m.LifetimeValue = parseDecimal(lifetimeValue)
	m.TotalSpent = parseDecimal(totalSpent)
	m.AvgTransactionValue = parseDecimal(atv)
	m.LastPurchaseAmount = parseDecimal(lastPurchase)
	m.AvgMonthlySpending = parseDecimal(monthly)
	m.PredictedLTV = parseDecimal(ltv)
	m.RetentionStatus = metrics.RetentionStatus(status)
	m.CohortMonth = cohort.String
	m.LastCalculatedAt = parseTime(calculatedAt)
	return m, nil
}

// =============================================================================
// SALON ANALYTICS
// =============================================================================

// UpsertSalonAnalytics writes one reporting row keyed by
// (salon, date, period).
func (s *Store) UpsertSalonAnalytics(ctx context.Context, a analytics.SalonAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO salon_analytics (
			salon_id, date, period, total_customers, active_customers,
			new_customers, churned_customers, total_revenue,
			avg_transaction_value, avg_predicted_ltv, total_appointments,
			completed_appointments, cancelled_appointments,
			retention_rate, churn_rate, generated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(salon_id, date, period) DO UPDATE SET
			total_customers = excluded.total_customers,
			active_customers = excluded.active_customers,
			new_customers = excluded.new_customers,
			churned_customers = excluded.churned_customers,
			total_revenue = excluded.total_revenue,
			avg_transaction_value = excluded.avg_transaction_value,
			avg_predicted_ltv = excluded.avg_predicted_ltv,
			total_appointments = excluded.total_appointments,
			completed_appointments = excluded.completed_appointments,
			cancelled_appointments = excluded.cancelled_appointments,
			retention_rate = excluded.retention_rate,
			churn_rate = excluded.churn_rate,
			generated_at = excluded.generated_at`,
		a.SalonID, a.Date.Format("2006-01-02"), string(a.Period),
		a.TotalCustomers, a.ActiveCustomers, a.NewCustomers, a.ChurnedCustomers,
		a.TotalRevenue.String(), a.AvgTransactionValue.String(), a.AvgPredictedLTV.String(),
		a.TotalAppointments, a.CompletedAppointments, a.CancelledAppointments,
		a.RetentionRate, a.ChurnRate, formatTime(a.GeneratedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert salon analytics: %w", err)
	}
	return nil
}

func (s *Store) GetSalonAnalytics(ctx context.Context, salonID string, date time.Time, period analytics.Period) (*analytics.SalonAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a analytics.SalonAnalytics
	var dateStr, periodStr, revenue, atv, ltv, generatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT salon_id, date, period, total_customers, active_customers,
		       new_customers, churned_customers, total_revenue,
		       avg_transaction_value, avg_predicted_ltv, total_appointments,
		       completed_appointments, cancelled_appointments,
		       retention_rate, churn_rate, generated_at
		FROM salon_analytics WHERE salon_id = ? AND date = ? AND period = ?`,
		salonID, date.Format("2006-01-02"), string(period)).Scan(
		&a.SalonID, &dateStr, &periodStr, &a.TotalCustomers, &a.ActiveCustomers,
		&a.NewCustomers, &a.ChurnedCustomers, &revenue,
		&atv, &ltv, &a.TotalAppointments,
		&a.CompletedAppointments, &a.CancelledAppointments,
		&a.RetentionRate, &a.ChurnRate, &generatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.Date, _ = time.Parse("2006-01-02", dateStr)
	a.Period = analytics.Period(periodStr)
	a.TotalRevenue = parseDecimal(revenue)
	a.AvgTransactionValue = parseDecimal(atv)
	a.AvgPredictedLTV = parseDecimal(ltv)
	a.GeneratedAt = parseTime(generatedAt)
	return &a, nil
}

// =============================================================================
// LOYALTY PROGRAMS AND TIERS
// =============================================================================

func (s *Store) SaveProgram(ctx context.Context, p loyalty.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_programs (id, salon_id, name, tiering_enabled, tier_bonus, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			tiering_enabled = excluded.tiering_enabled,
			tier_bonus = excluded.tier_bonus`,
		p.ID, p.SalonID, p.Name, p.TieringEnabled, p.TierBonus.String(), formatTime(p.CreatedAt))
	return err
}

// ListTieredPrograms returns every program with tiering enabled,
// the working set of a tier evaluation run.
func (s *Store) ListTieredPrograms(ctx context.Context) ([]loyalty.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, salon_id, name, tiering_enabled, tier_bonus, created_at
		FROM loyalty_programs WHERE tiering_enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list programs: %w", err)
	}
	defer rows.Close()

	var programs []loyalty.Program
	for rows.Next() {
		var p loyalty.Program
		var bonus, createdAt string
		if err := rows.Scan(&p.ID, &p.SalonID, &p.Name, &p.TieringEnabled, &bonus, &createdAt); err != nil {
			return nil, err
		}
		p.TierBonus = parseDecimal(bonus)
		p.CreatedAt = parseTime(createdAt)
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

func (s *Store) SaveTier(ctx context.Context, t loyalty.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_tiers
			(id, program_id, name, rank, min_total_spent, min_visits, min_monthly_spent, cashback_multiplier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			rank = excluded.rank,
			min_total_spent = excluded.min_total_spent,
			min_visits = excluded.min_visits,
			min_monthly_spent = excluded.min_monthly_spent,
			cashback_multiplier = excluded.cashback_multiplier`,
		t.ID, t.ProgramID, t.Name, t.Rank,
		nullDecimal(t.MinTotalSpent), nullInt(t.MinVisits), nullDecimal(t.MinMonthlySpent),
		t.CashbackMultiplier.String())
	return err
}

// ListTiers returns a program's tiers ordered ascending by rank.
func (s *Store) ListTiers(ctx context.Context, programID string) ([]loyalty.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, program_id, name, rank, min_total_spent, min_visits, min_monthly_spent, cashback_multiplier
		FROM loyalty_tiers WHERE program_id = ? ORDER BY rank ASC`, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	defer rows.Close()

	var tiers []loyalty.Tier
	for rows.Next() {
		var t loyalty.Tier
		var minSpent, minMonthly sql.NullString
		var minVisits sql.NullInt64
		var multiplier string
		if err := rows.Scan(&t.ID, &t.ProgramID, &t.Name, &t.Rank,
			&minSpent, &minVisits, &minMonthly, &multiplier); err != nil {
			return nil, err
		}
		if minSpent.Valid {
			d := parseDecimal(minSpent.String)
			t.MinTotalSpent = &d
		}
		if minVisits.Valid {
			n := int(minVisits.Int64)
			t.MinVisits = &n
		}
		if minMonthly.Valid {
			d := parseDecimal(minMonthly.String)
			t.MinMonthlySpent = &d
		}
		t.CashbackMultiplier = parseDecimal(multiplier)
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// =============================================================================
// LOYALTY BALANCES
// =============================================================================

func (s *Store) SaveBalance(ctx context.Context, b loyalty.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_balances
			(id, program_id, salon_id, customer_id, available_balance,
			 lifetime_earned, total_spent, total_visits, tier_id, tier_achieved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			available_balance = excluded.available_balance,
			lifetime_earned = excluded.lifetime_earned,
			total_spent = excluded.total_spent,
			total_visits = excluded.total_visits,
			tier_id = excluded.tier_id,
			tier_achieved_at = excluded.tier_achieved_at`,
		b.ID, b.ProgramID, b.SalonID, b.CustomerID, b.Available.String(),
		b.LifetimeEarned.String(), b.TotalSpent.String(), b.TotalVisits,
		nullString(b.TierID), nullTime(b.TierAchievedAt))
	return err
}

func (s *Store) ListBalances(ctx context.Context, programID string) ([]loyalty.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, balanceSelect+` WHERE program_id = ? ORDER BY id`, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []loyalty.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *Store) GetBalance(ctx context.Context, balanceID string) (*loyalty.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBalanceOn(ctx, s.db, balanceID)
}

func (s *Store) getBalanceOn(ctx context.Context, q dbtx, balanceID string) (*loyalty.Balance, error) {
	row := q.QueryRowContext(ctx, balanceSelect+` WHERE id = ?`, balanceID)
	b, err := scanBalance(row)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) UpdateBalance(ctx context.Context, b loyalty.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateBalanceOn(ctx, s.db, b)
}

func (s *Store) updateBalanceOn(ctx context.Context, q dbtx, b loyalty.Balance) error {
	res, err := q.ExecContext(ctx, `
		UPDATE loyalty_balances SET
			available_balance = ?,
			lifetime_earned = ?,
			total_spent = ?,
			total_visits = ?,
			tier_id = ?,
			tier_achieved_at = ?
		WHERE id = ?`,
		b.Available.String(), b.LifetimeEarned.String(), b.TotalSpent.String(),
		b.TotalVisits, nullString(b.TierID), nullTime(b.TierAchievedAt), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrBalanceNotFound
	}
	return nil
}

const balanceSelect = `
	SELECT id, program_id, salon_id, customer_id, available_balance,
	       lifetime_earned, total_spent, total_visits, tier_id, tier_achieved_at
	FROM loyalty_balances`

func scanBalance(row scanner) (loyalty.Balance, error) {
	var b loyalty.Balance
	var available, earned, spent string
	var tierID, achievedAt sql.NullString

	err := row.Scan(&b.ID, &b.ProgramID, &b.SalonID, &b.CustomerID, &available,
		&earned, &spent, &b.TotalVisits, &tierID, &achievedAt)
	if err != nil {
		return b, err
	}

	b.Available = parseDecimal(available)
	b.LifetimeEarned = parseDecimal(earned)
	b.TotalSpent = parseDecimal(spent)
	b.TierID = tierID.String
	if achievedAt.Valid {
		t := parseTime(achievedAt.String)
		b.TierAchievedAt = &t
	}
	return b, nil
}

// =============================================================================
// LOYALTY TRANSACTIONS (append-only ledger)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx loyalty.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTransactionOn(ctx, s.db, tx)
}

func (s *Store) appendTransactionOn(ctx context.Context, q dbtx, tx loyalty.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO loyalty_transactions
			(id, balance_id, program_id, salon_id, customer_id, tx_type,
			 amount, balance_after, description, idempotency_key,
			 created_at, expires_at, expired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.BalanceID, tx.ProgramID, tx.SalonID, tx.CustomerID, string(tx.Type),
		tx.Amount.String(), tx.BalanceAfter.String(), tx.Description, nullString(tx.IdempotencyKey),
		formatTime(tx.CreatedAt), nullTime(tx.ExpiresAt), nullTime(tx.ExpiredAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) TransactionsForBalance(ctx context.Context, balanceID string) ([]loyalty.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, transactionSelect+`
		WHERE balance_id = ? ORDER BY created_at ASC, id ASC`, balanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (s *Store) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loyalty_transactions WHERE idempotency_key = ?`,
		idempotencyKey).Scan(&count)
	return count > 0, err
}

// ExpiredEarnedTransactions returns EARNED entries past their expiry
// that have not yet been stamped.
func (s *Store) ExpiredEarnedTransactions(ctx context.Context, now time.Time) ([]loyalty.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, transactionSelect+`
		WHERE tx_type = ? AND expires_at IS NOT NULL AND expires_at <= ? AND expired_at IS NULL
		ORDER BY expires_at ASC`, string(loyalty.TxEarned), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired earnings: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (s *Store) MarkTransactionExpired(ctx context.Context, txID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markExpiredOn(ctx, s.db, txID, at)
}

func (s *Store) markExpiredOn(ctx context.Context, q dbtx, txID string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE loyalty_transactions SET expired_at = ?
		WHERE id = ? AND expired_at IS NULL`,
		formatTime(at), txID)
	if err != nil {
		return fmt.Errorf("failed to mark transaction expired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrTransactionNotFound
	}
	return nil
}

const transactionSelect = `
	SELECT id, balance_id, program_id, salon_id, customer_id, tx_type,
	       amount, balance_after, description, idempotency_key,
	       created_at, expires_at, expired_at
	FROM loyalty_transactions`

func collectTransactions(rows *sql.Rows) ([]loyalty.Transaction, error) {
	var txs []loyalty.Transaction
	for rows.Next() {
		var tx loyalty.Transaction
		var txType, amount, after string
		var description, idemKey sql.NullString
		var createdAt string
		var expiresAt, expiredAt sql.NullString

		err := rows.Scan(&tx.ID, &tx.BalanceID, &tx.ProgramID, &tx.SalonID, &tx.CustomerID,
			&txType, &amount, &after, &description, &idemKey,
			&createdAt, &expiresAt, &expiredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		tx.Type = loyalty.TransactionType(txType)
		tx.Amount = parseDecimal(amount)
		tx.BalanceAfter = parseDecimal(after)
		tx.Description = description.String
		tx.IdempotencyKey = idemKey.String
		tx.CreatedAt = parseTime(createdAt)
		if expiresAt.Valid {
			t := parseTime(expiresAt.String)
			tx.ExpiresAt = &t
		}
		if expiredAt.Valid {
			t := parseTime(expiredAt.String)
			tx.ExpiredAt = &t
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction. If fn returns an
// error the transaction is rolled back. This is the boundary that keeps
// the balance mutation and its ledger append from observably diverging.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore adapts an open *sql.Tx to the loyalty.Store interface.
// It must not take the parent mutex; WithTx already holds it.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) GetBalance(ctx context.Context, balanceID string) (*loyalty.Balance, error) {
	return ts.parent.getBalanceOn(ctx, ts.tx, balanceID)
}

func (ts *txStore) UpdateBalance(ctx context.Context, b loyalty.Balance) error {
	return ts.parent.updateBalanceOn(ctx, ts.tx, b)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx loyalty.Transaction) error {
	return ts.parent.appendTransactionOn(ctx, ts.tx, tx)
}

func (ts *txStore) TransactionsForBalance(ctx context.Context, balanceID string) ([]loyalty.Transaction, error) {
	rows, err := ts.tx.QueryContext(ctx, transactionSelect+`
		WHERE balance_id = ? ORDER BY created_at ASC, id ASC`, balanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (ts *txStore) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := ts.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loyalty_transactions WHERE idempotency_key = ?`,
		idempotencyKey).Scan(&count)
	return count > 0, err
}

func (ts *txStore) ExpiredEarnedTransactions(ctx context.Context, now time.Time) ([]loyalty.Transaction, error) {
	rows, err := ts.tx.QueryContext(ctx, transactionSelect+`
		WHERE tx_type = ? AND expires_at IS NOT NULL AND expires_at <= ? AND expired_at IS NULL
		ORDER BY expires_at ASC`, string(loyalty.TxEarned), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired earnings: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (ts *txStore) MarkTransactionExpired(ctx context.Context, txID string, at time.Time) error {
	return ts.parent.markExpiredOn(ctx, ts.tx, txID, at)
}

// =============================================================================
// JOB RUNS
// =============================================================================

// JobRun is one persisted batch-run report.
type JobRun struct {
	ID          string
	Job         string
	Processed   int
	Failed      int
	Skipped     int
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

func (s *Store) SaveJobRun(ctx context.Context, run JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job, processed, failed, skipped, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Job, run.Processed, run.Failed, run.Skipped,
		nullString(run.Error), formatTime(run.StartedAt), formatTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save job run: %w", err)
	}
	return nil
}

func (s *Store) ListJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job, processed, failed, skipped, error, started_at, completed_at
		FROM job_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var run JobRun
		var errMsg sql.NullString
		var startedAt, completedAt string
		if err := rows.Scan(&run.ID, &run.Job, &run.Processed, &run.Failed,
			&run.Skipped, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		run.Error = errMsg.String
		run.StartedAt = parseTime(startedAt)
		run.CompletedAt = parseTime(completedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
