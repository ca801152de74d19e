/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Complex response wrappers

MONEY:
  Decimal amounts are rendered as strings, never floats. Clients parse
  them with their own decimal library.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/glowdesk/lifecycle-engine/analytics"
	"github.com/glowdesk/lifecycle-engine/jobs"
	"github.com/glowdesk/lifecycle-engine/loyalty"
	"github.com/glowdesk/lifecycle-engine/metrics"
	"github.com/glowdesk/lifecycle-engine/store/sqlite"
)

// =============================================================================
// SALONS
// =============================================================================

// SalonDTO represents a tenant in API responses.
type SalonDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

func toSalonDTO(s sqlite.Salon) SalonDTO {
	return SalonDTO{
		ID:        s.ID,
		Name:      s.Name,
		Active:    s.Active,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// CLIENT METRICS
// =============================================================================

// ClientMetricsDTO is one customer's derived score bundle.
type ClientMetricsDTO struct {
	CustomerID string `json:"customer_id"`
	SalonID    string `json:"salon_id"`

	LifetimeValue       string `json:"lifetime_value"`
	TotalSpent          string `json:"total_spent"`
	AvgTransactionValue string `json:"avg_transaction_value"`
	LastPurchaseAmount  string `json:"last_purchase_amount"`
	AvgMonthlySpending  string `json:"avg_monthly_spending"`
	PredictedLTV        string `json:"predicted_ltv"`

	TotalVisits          int     `json:"total_visits"`
	VisitFrequency       float64 `json:"visit_frequency"`
	AvgDaysBetweenVisits float64 `json:"avg_days_between_visits"`
	DaysSinceLastVisit   int     `json:"days_since_last_visit"`
	CancellationRate     float64 `json:"cancellation_rate"`
	AppointmentShowRate  float64 `json:"appointment_show_rate"`

	ChurnRisk       float64 `json:"churn_risk"`
	RetentionStatus string  `json:"retention_status"`

	CohortMonth           string `json:"cohort_month,omitempty"`
	MonthsSinceFirstVisit int    `json:"months_since_first_visit"`

	LoyaltyScore      float64 `json:"loyalty_score"`
	SatisfactionScore float64 `json:"satisfaction_score"`
	ReferralScore     float64 `json:"referral_score"`

	IsVIP          bool `json:"is_vip"`
	IsAtRisk       bool `json:"is_at_risk"`
	NeedsAttention bool `json:"needs_attention"`

	LastCalculatedAt string `json:"last_calculated_at"`
}

func toClientMetricsDTO(m metrics.ClientMetrics) ClientMetricsDTO {
	return ClientMetricsDTO{
		CustomerID:            m.CustomerID,
		SalonID:               m.SalonID,
		LifetimeValue:         m.LifetimeValue.String(),
		TotalSpent:            m.TotalSpent.String(),
		AvgTransactionValue:   m.AvgTransactionValue.String(),
		LastPurchaseAmount:    m.LastPurchaseAmount.String(),
		AvgMonthlySpending:    m.AvgMonthlySpending.String(),
		PredictedLTV:          m.PredictedLTV.String(),
		TotalVisits:           m.TotalVisits,
		VisitFrequency:        m.VisitFrequency,
		AvgDaysBetweenVisits:  m.AvgDaysBetweenVisits,
		DaysSinceLastVisit:    m.DaysSinceLastVisit,
		CancellationRate:      m.CancellationRate,
		AppointmentShowRate:   m.AppointmentShowRate,
		ChurnRisk:             m.ChurnRisk,
		RetentionStatus:       string(m.RetentionStatus),
		CohortMonth:           m.CohortMonth,
		MonthsSinceFirstVisit: m.MonthsSinceFirstVisit,
		LoyaltyScore:          m.LoyaltyScore,
		SatisfactionScore:     m.SatisfactionScore,
		ReferralScore:         m.ReferralScore,
		IsVIP:                 m.IsVIP,
		IsAtRisk:              m.IsAtRisk,
		NeedsAttention:        m.NeedsAttention,
		LastCalculatedAt:      m.LastCalculatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// SALON ANALYTICS
// =============================================================================

// SalonAnalyticsDTO is one reporting row.
type SalonAnalyticsDTO struct {
	SalonID string `json:"salon_id"`
	Date    string `json:"date"`
	Period  string `json:"period"`

	TotalCustomers   int `json:"total_customers"`
	ActiveCustomers  int `json:"active_customers"`
	NewCustomers     int `json:"new_customers"`
	ChurnedCustomers int `json:"churned_customers"`

	TotalRevenue        string `json:"total_revenue"`
	AvgTransactionValue string `json:"avg_transaction_value"`
	AvgPredictedLTV     string `json:"avg_predicted_ltv"`

	TotalAppointments     int `json:"total_appointments"`
	CompletedAppointments int `json:"completed_appointments"`
	CancelledAppointments int `json:"cancelled_appointments"`

	RetentionRate float64 `json:"retention_rate"`
	ChurnRate     float64 `json:"churn_rate"`

	GeneratedAt string `json:"generated_at"`
}

func toSalonAnalyticsDTO(a analytics.SalonAnalytics) SalonAnalyticsDTO {
	return SalonAnalyticsDTO{
		SalonID:               a.SalonID,
		Date:                  a.Date.Format("2006-01-02"),
		Period:                string(a.Period),
		TotalCustomers:        a.TotalCustomers,
		ActiveCustomers:       a.ActiveCustomers,
		NewCustomers:          a.NewCustomers,
		ChurnedCustomers:      a.ChurnedCustomers,
		TotalRevenue:          a.TotalRevenue.String(),
		AvgTransactionValue:   a.AvgTransactionValue.String(),
		AvgPredictedLTV:       a.AvgPredictedLTV.String(),
		TotalAppointments:     a.TotalAppointments,
		CompletedAppointments: a.CompletedAppointments,
		CancelledAppointments: a.CancelledAppointments,
		RetentionRate:         a.RetentionRate,
		ChurnRate:             a.ChurnRate,
		GeneratedAt:           a.GeneratedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// LOYALTY
// =============================================================================

// BalanceDTO is one rewards account.
type BalanceDTO struct {
	ID         string `json:"id"`
	ProgramID  string `json:"program_id"`
	SalonID    string `json:"salon_id"`
	CustomerID string `json:"customer_id"`

	AvailableBalance string `json:"available_balance"`
	LifetimeEarned   string `json:"lifetime_earned"`
	TotalSpent       string `json:"total_spent"`
	TotalVisits      int    `json:"total_visits"`

	TierID         string  `json:"tier_id,omitempty"`
	TierAchievedAt *string `json:"tier_achieved_at,omitempty"`
}

func toBalanceDTO(b loyalty.Balance) BalanceDTO {
	dto := BalanceDTO{
		ID:               b.ID,
		ProgramID:        b.ProgramID,
		SalonID:          b.SalonID,
		CustomerID:       b.CustomerID,
		AvailableBalance: b.Available.String(),
		LifetimeEarned:   b.LifetimeEarned.String(),
		TotalSpent:       b.TotalSpent.String(),
		TotalVisits:      b.TotalVisits,
		TierID:           b.TierID,
	}
	if b.TierAchievedAt != nil {
		s := b.TierAchievedAt.Format(time.RFC3339)
		dto.TierAchievedAt = &s
	}
	return dto
}

// TransactionDTO is one ledger entry.
type TransactionDTO struct {
	ID           string  `json:"id"`
	BalanceID    string  `json:"balance_id"`
	Type         string  `json:"type"`
	Amount       string  `json:"amount"`
	BalanceAfter string  `json:"balance_after"`
	Description  string  `json:"description,omitempty"`
	CreatedAt    string  `json:"created_at"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
	ExpiredAt    *string `json:"expired_at,omitempty"`
}

func toTransactionDTO(tx loyalty.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:           tx.ID,
		BalanceID:    tx.BalanceID,
		Type:         string(tx.Type),
		Amount:       tx.Amount.String(),
		BalanceAfter: tx.BalanceAfter.String(),
		Description:  tx.Description,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.ExpiresAt != nil {
		s := tx.ExpiresAt.Format(time.RFC3339)
		dto.ExpiresAt = &s
	}
	if tx.ExpiredAt != nil {
		s := tx.ExpiredAt.Format(time.RFC3339)
		dto.ExpiredAt = &s
	}
	return dto
}

// VerifyResponse reports the ledger/balance consistency check.
type VerifyResponse struct {
	BalanceID  string `json:"balance_id"`
	Consistent bool   `json:"consistent"`
	Stored     string `json:"stored"`
	Computed   string `json:"computed"`
}

// =============================================================================
// JOBS
// =============================================================================

// RunReportDTO is the outcome of a triggered batch run.
type RunReportDTO struct {
	Job         string   `json:"job"`
	Processed   int      `json:"processed"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	Errors      []string `json:"errors,omitempty"`
	StartedAt   string   `json:"started_at"`
	CompletedAt string   `json:"completed_at"`
}

func toRunReportDTO(r jobs.RunReport) RunReportDTO {
	dto := RunReportDTO{
		Job:         r.Job,
		Processed:   r.Processed,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
		CompletedAt: r.CompletedAt.Format(time.RFC3339),
	}
	for _, err := range r.Errors {
		dto.Errors = append(dto.Errors, err.Error())
	}
	return dto
}

// JobRunDTO is one persisted run record.
type JobRunDTO struct {
	ID          string `json:"id"`
	Job         string `json:"job"`
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

func toJobRunDTO(run sqlite.JobRun) JobRunDTO {
	return JobRunDTO{
		ID:          run.ID,
		Job:         run.Job,
		Processed:   run.Processed,
		Failed:      run.Failed,
		Skipped:     run.Skipped,
		Error:       run.Error,
		StartedAt:   run.StartedAt.Format(time.RFC3339),
		CompletedAt: run.CompletedAt.Format(time.RFC3339),
	}
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
