/*
Package metrics computes per-customer behavioral scores from raw visit
and sale history.

PURPOSE:
  Turns one customer's transactional history into a ClientMetrics row:
  spending totals, visit cadence, predicted lifetime value, churn risk,
  and a retention classification. The computation is a pure function of
  current source data — the output row is a derived cache, overwritten
  wholesale on every run, never patched incrementally.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer/Visit/Sale: read-only inputs, already scoped to one salon
  - ClientMetrics: the fully recomputed output row
  - RetentionStatus: NEW/ACTIVE/AT_RISK/DORMANT/CHURNED classification

DESIGN PRINCIPLES:
  1. Purity: Compute takes inputs and a clock, touches no I/O
  2. Precision: money fields use decimal.Decimal, never float
  3. Total functions: every ratio is division-by-zero guarded; missing
     recency uses an explicit sentinel instead of an error

SEE ALSO:
  - compute.go: The scoring algorithms
  - analytics/: Salon-level rollups over these rows
*/
package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS - Read-only source data
// =============================================================================

// Customer is the identity record a metrics run is scoped to.
type Customer struct {
	ID        string
	SalonID   string
	Name      string
	CreatedAt time.Time
	Deleted   bool
}

// VisitStatus is the lifecycle state of an appointment.
type VisitStatus string

const (
	StatusCompleted VisitStatus = "completed"
	StatusConfirmed VisitStatus = "confirmed"
	StatusInService VisitStatus = "in_service"
	StatusCancelled VisitStatus = "cancelled"
	StatusNoShow    VisitStatus = "no_show"
)

// Counted reports whether a visit in this status contributes to
// totalVisits. Cancelled and no-show appointments never count.
func (s VisitStatus) Counted() bool {
	switch s {
	case StatusCompleted, StatusConfirmed, StatusInService:
		return true
	}
	return false
}

// Visit is one appointment record.
type Visit struct {
	ID         string
	CustomerID string
	SalonID    string
	Status     VisitStatus
	StartAt    time.Time
}

// Sale is one finalized, paid sale.
type Sale struct {
	ID         string
	CustomerID string
	SalonID    string
	Total      decimal.Decimal
	CreatedAt  time.Time
}

// =============================================================================
// RETENTION STATUS
// =============================================================================

type RetentionStatus string

const (
	RetentionNew     RetentionStatus = "NEW"
	RetentionActive  RetentionStatus = "ACTIVE"
	RetentionAtRisk  RetentionStatus = "AT_RISK"
	RetentionDormant RetentionStatus = "DORMANT"
	RetentionChurned RetentionStatus = "CHURNED"
)

// =============================================================================
// OUTPUT - Fully recomputed metrics row
// =============================================================================

// NoVisitSentinel is the DaysSinceLastVisit value for a customer with no
// completed visit. It is a literal sentinel, not "unknown".
const NoVisitSentinel = 999

// ClientMetrics is the derived score bundle for one customer.
//
// INVARIANT: this row is always recomputed in full from current source
// data. It is never hand-edited and never partially updated.
type ClientMetrics struct {
	CustomerID string
	SalonID    string

	// Spending
	LifetimeValue      decimal.Decimal
	TotalSpent         decimal.Decimal
	AvgTransactionValue decimal.Decimal
	LastPurchaseAmount decimal.Decimal
	AvgMonthlySpending decimal.Decimal
	PredictedLTV       decimal.Decimal

	// Visit cadence
	TotalVisits          int
	VisitFrequency       float64 // visits per 30-day window
	AvgDaysBetweenVisits float64 // 0 when fewer than 2 completed visits
	DaysSinceLastVisit   int     // NoVisitSentinel when no completed visit
	CancellationRate     float64 // percent
	AppointmentShowRate  float64 // percent, 100 when no visits

	// Classification
	ChurnRisk       float64 // [0,100]
	RetentionStatus RetentionStatus

	// Cohort
	CohortMonth           string // "2006-01" of first completed visit, "" if none
	MonthsSinceFirstVisit int

	// Engagement scores
	LoyaltyScore      float64
	SatisfactionScore float64
	ReferralScore     float64

	// Flags
	IsVIP          bool
	IsAtRisk       bool
	NeedsAttention bool

	LastCalculatedAt time.Time
}

// Input bundles everything Compute needs for one customer.
type Input struct {
	Customer Customer
	Visits   []Visit
	Sales    []Sale
	Now      time.Time
}
