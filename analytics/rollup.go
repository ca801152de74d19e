/*
Package analytics rolls freshly computed customer metrics up into
salon-level reporting rows.

PURPOSE:
  After every customer of a salon has been scored, one SalonAnalytics
  row is produced per (salon, date, period): customer counts by
  retention status, revenue and value aggregates, appointment totals,
  and retention/churn rates. Pure aggregation — counts, sums, and two
  guarded rates. A salon with zero customers yields 0% rates, never a
  division error.

SEE ALSO:
  - metrics/: The per-customer rows this aggregates
  - jobs/runner.go: Runs the rollup once per salon after its customers
*/
package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/glowdesk/lifecycle-engine/metrics"
)

// Period is the reporting window a rollup row covers.
type Period string

const (
	PeriodDaily   Period = "DAILY"
	PeriodWeekly  Period = "WEEKLY"
	PeriodMonthly Period = "MONTHLY"
)

// SalonAnalytics is one upserted reporting row, keyed by
// (salon, date, period).
type SalonAnalytics struct {
	SalonID string
	Date    time.Time
	Period  Period

	TotalCustomers   int
	ActiveCustomers  int
	NewCustomers     int
	ChurnedCustomers int

	TotalRevenue        decimal.Decimal
	AvgTransactionValue decimal.Decimal
	AvgPredictedLTV     decimal.Decimal

	TotalAppointments     int
	CompletedAppointments int
	CancelledAppointments int

	RetentionRate float64 // active/total * 100
	ChurnRate     float64 // churned/total * 100

	GeneratedAt time.Time
}

// Input bundles one salon's just-written metrics and raw activity rows.
type Input struct {
	SalonID string
	Date    time.Time
	Period  Period
	Rows    []metrics.ClientMetrics
	Visits  []metrics.Visit
	Sales   []metrics.Sale
	Now     time.Time
}

// Aggregate produces the SalonAnalytics row for one salon and period.
// Pure: no I/O, deterministic for a fixed Input.
func Aggregate(in Input) SalonAnalytics {
	out := SalonAnalytics{
		SalonID:             in.SalonID,
		Date:                in.Date,
		Period:              in.Period,
		TotalCustomers:      len(in.Rows),
		TotalRevenue:        decimal.Zero,
		AvgTransactionValue: decimal.Zero,
		AvgPredictedLTV:     decimal.Zero,
		GeneratedAt:         in.Now,
	}

	ltvSum := decimal.Zero
	for _, m := range in.Rows {
		switch m.RetentionStatus {
		case metrics.RetentionActive:
			out.ActiveCustomers++
		case metrics.RetentionNew:
			out.NewCustomers++
		case metrics.RetentionChurned:
			out.ChurnedCustomers++
		}
		ltvSum = ltvSum.Add(m.PredictedLTV)
	}

	for _, s := range in.Sales {
		out.TotalRevenue = out.TotalRevenue.Add(s.Total)
	}

	var counted int
	for _, v := range in.Visits {
		out.TotalAppointments++
		switch {
		case v.Status == metrics.StatusCompleted:
			out.CompletedAppointments++
		case v.Status == metrics.StatusCancelled:
			out.CancelledAppointments++
		}
		if v.Status.Counted() {
			counted++
		}
	}

	if counted > 0 {
		out.AvgTransactionValue = out.TotalRevenue.Div(decimal.NewFromInt(int64(counted)))
	}
	if out.TotalCustomers > 0 {
		out.AvgPredictedLTV = ltvSum.Div(decimal.NewFromInt(int64(out.TotalCustomers)))
		out.RetentionRate = float64(out.ActiveCustomers) / float64(out.TotalCustomers) * 100
		out.ChurnRate = float64(out.ChurnedCustomers) / float64(out.TotalCustomers) * 100
	}

	return out
}
