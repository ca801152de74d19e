/*
compute.go - Per-customer scoring algorithms

PURPOSE:
  The scoring pipeline for one customer. All formulas live here:
  visit cadence, churn-risk composite, retention classification,
  engagement scores, and the VIP/at-risk flags.

ALGORITHM NOTES:
  Churn risk is an additive blend of recency (relative to the
  customer's own cadence), cancellation behavior, and tenure,
  clamped to [0,100]. Retention status is evaluated top-to-bottom,
  first match wins — a classification of current recency, not a
  transition graph, so a customer can move "backward" after a new
  visit without any explicit transition.

ORDERING:
  Source collections arrive in arbitrary order. Every first/last
  lookup sorts explicitly (visits by start time ascending, sales by
  creation time) instead of trusting incoming order.

SEE ALSO:
  - types.go: Input and output shapes
  - jobs/runner.go: Batch iteration that invokes Compute
*/
package metrics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	vipSpendThreshold = decimal.NewFromInt(5000)
	monthsPerYear     = decimal.NewFromInt(12)
)

// Compute derives the full ClientMetrics row for one customer.
// Pure: no I/O, deterministic for a fixed Input.
func Compute(in Input) ClientMetrics {
	m := ClientMetrics{
		CustomerID:       in.Customer.ID,
		SalonID:          in.Customer.SalonID,
		LastCalculatedAt: in.Now,
	}

	// Spending totals. Every paid sale counts toward lifetime value.
	total := decimal.Zero
	for _, s := range in.Sales {
		total = total.Add(s.Total)
	}
	m.TotalSpent = total
	m.LifetimeValue = total
	m.LastPurchaseAmount = lastPurchase(in.Sales)

	// Visit counts by status.
	var counted, cancelled int
	for _, v := range in.Visits {
		if v.Status.Counted() {
			counted++
		}
		if v.Status == StatusCancelled {
			cancelled++
		}
	}
	m.TotalVisits = counted

	if counted > 0 {
		m.AvgTransactionValue = total.Div(decimal.NewFromInt(int64(counted)))
	} else {
		m.AvgTransactionValue = decimal.Zero
	}

	totalAppointments := len(in.Visits)
	if totalAppointments > 0 {
		m.CancellationRate = float64(cancelled) / float64(totalAppointments) * 100
		m.AppointmentShowRate = float64(totalAppointments-cancelled) / float64(totalAppointments) * 100
	} else {
		m.AppointmentShowRate = 100
	}

	// Cadence is derived from completed visits only.
	completed := completedAscending(in.Visits)
	m.DaysSinceLastVisit = NoVisitSentinel
	if len(completed) > 0 {
		first := completed[0].StartAt
		last := completed[len(completed)-1].StartAt
		m.DaysSinceLastVisit = daysBetween(last, in.Now)
		m.CohortMonth = first.Format("2006-01")
		m.MonthsSinceFirstVisit = monthsBetween(first, in.Now)

		span := daysBetween(first, last)
		if len(completed) >= 2 && span > 0 {
			m.AvgDaysBetweenVisits = float64(span) / float64(len(completed)-1)
			m.VisitFrequency = float64(len(completed)) / (float64(span) / 30.0)
		}
	}

	m.AvgMonthlySpending = m.AvgTransactionValue.Mul(decimal.NewFromFloat(m.VisitFrequency))
	m.PredictedLTV = m.AvgMonthlySpending.Mul(monthsPerYear).Mul(decimal.NewFromInt(int64(lifespanYears(counted))))

	m.ChurnRisk = churnRisk(m)
	m.RetentionStatus = classifyRetention(counted, m.DaysSinceLastVisit)

	m.LoyaltyScore = min100(float64(counted)*10 + m.AppointmentShowRate*0.5)
	m.SatisfactionScore = satisfactionScore(m.AppointmentShowRate)
	if m.LoyaltyScore > 80 {
		m.ReferralScore = 85
	} else {
		m.ReferralScore = 60
	}

	m.IsVIP = total.GreaterThan(vipSpendThreshold) || counted > 20
	m.IsAtRisk = m.ChurnRisk > 60 || m.RetentionStatus == RetentionAtRisk
	m.NeedsAttention = m.IsAtRisk || m.RetentionStatus == RetentionDormant

	return m
}

// churnRisk blends recency, cancellation behavior, and tenure into a
// single additive score, clamped to [0,100].
func churnRisk(m ClientMetrics) float64 {
	risk := 0.0

	// Overdue relative to the customer's own historical cadence.
	if m.AvgDaysBetweenVisits > 0 {
		ratio := float64(m.DaysSinceLastVisit) / m.AvgDaysBetweenVisits
		switch {
		case ratio > 2:
			risk += 40
		case ratio > 1.5:
			risk += 25
		case ratio > 1.2:
			risk += 10
		}
	}

	risk += m.CancellationRate / 100 * 30

	// Thin-history penalty.
	if m.TotalVisits < 3 {
		risk += 15
	}

	switch {
	case m.DaysSinceLastVisit > 90:
		risk += 25
	case m.DaysSinceLastVisit > 60:
		risk += 15
	}

	if risk > 100 {
		return 100
	}
	if risk < 0 {
		return 0
	}
	return risk
}

// classifyRetention is evaluated top-to-bottom, first match wins.
// A customer with no completed visit carries the sentinel recency and
// falls through to CHURNED.
func classifyRetention(totalVisits, daysSinceLastVisit int) RetentionStatus {
	switch {
	case totalVisits == 1 && daysSinceLastVisit <= 30:
		return RetentionNew
	case daysSinceLastVisit <= 45:
		return RetentionActive
	case daysSinceLastVisit <= 90:
		return RetentionAtRisk
	case daysSinceLastVisit <= 180:
		return RetentionDormant
	default:
		return RetentionChurned
	}
}

// lifespanYears is a step function of visit count used by predicted LTV.
func lifespanYears(totalVisits int) int {
	switch {
	case totalVisits < 5:
		return 1
	case totalVisits < 12:
		return 2
	default:
		return 3
	}
}

func satisfactionScore(showRate float64) float64 {
	switch {
	case showRate >= 95:
		return 90
	case showRate >= 85:
		return 75
	case showRate >= 70:
		return 60
	default:
		return 40
	}
}

// lastPurchase returns the total of the most recent sale by creation
// time. The sort is explicit; incoming order carries no meaning.
func lastPurchase(sales []Sale) decimal.Decimal {
	if len(sales) == 0 {
		return decimal.Zero
	}
	latest := sales[0]
	for _, s := range sales[1:] {
		if s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest.Total
}

func completedAscending(visits []Visit) []Visit {
	var completed []Visit
	for _, v := range visits {
		if v.Status == StatusCompleted {
			completed = append(completed, v)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].StartAt.Before(completed[j].StartAt)
	})
	return completed
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

func monthsBetween(from, to time.Time) int {
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if to.Day() < from.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

func min100(v float64) float64 {
	if v > 100 {
		return 100
	}
	return v
}
