/*
handlers.go - HTTP API handlers for the lifecycle engine

PURPOSE:
  Exposes the computed rows and the loyalty ledger via REST, plus
  run-now triggers for the batch pipelines. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Salons:
    GET  /api/salons                     List active salons
    GET  /api/salons/{id}/metrics        Client metrics for a salon
    GET  /api/salons/{id}/analytics      Reporting row (?date=&period=)

  Customers:
    GET  /api/customers/{id}/metrics     One customer's score bundle

  Loyalty:
    GET  /api/balances/{id}              Rewards account
    GET  /api/balances/{id}/transactions Ledger history
    GET  /api/balances/{id}/verify       Ledger/balance drift check

  Jobs:
    POST /api/jobs/metrics               Run metrics + rollup now
    POST /api/jobs/tiers                 Run tier evaluation now
    POST /api/jobs/expiry                Run expiry sweep now
    GET  /api/jobs/runs                  Recent run records

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - jobs/runner.go: The pipelines behind the trigger endpoints
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/glowdesk/lifecycle-engine/analytics"
	"github.com/glowdesk/lifecycle-engine/jobs"
	"github.com/glowdesk/lifecycle-engine/loyalty"
	"github.com/glowdesk/lifecycle-engine/store/sqlite"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Runner *jobs.Runner
	Ledger loyalty.Ledger
}

// NewHandler creates a new handler with the given store and runner.
func NewHandler(store *sqlite.Store, runner *jobs.Runner) *Handler {
	return &Handler{
		Store:  store,
		Runner: runner,
		Ledger: loyalty.NewLedger(store),
	}
}

// =============================================================================
// SALON HANDLERS
// =============================================================================

// ListSalons returns all active salons.
func (h *Handler) ListSalons(w http.ResponseWriter, r *http.Request) {
	salons, err := h.Store.ListActiveSalons(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list salons", err)
		return
	}

	dtos := make([]SalonDTO, len(salons))
	for i, s := range salons {
		dtos[i] = toSalonDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListSalonMetrics returns the computed metrics rows for one salon.
func (h *Handler) ListSalonMetrics(w http.ResponseWriter, r *http.Request) {
	salonID := chi.URLParam(r, "id")

	rows, err := h.Store.ListMetricsBySalon(r.Context(), salonID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list metrics", err)
		return
	}

	dtos := make([]ClientMetricsDTO, len(rows))
	for i, m := range rows {
		dtos[i] = toClientMetricsDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSalonAnalytics returns one reporting row. Defaults to today's
// DAILY row when date/period are omitted.
func (h *Handler) GetSalonAnalytics(w http.ResponseWriter, r *http.Request) {
	salonID := chi.URLParam(r, "id")

	date := time.Now().UTC().Truncate(24 * time.Hour)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD", err)
			return
		}
		date = parsed
	}

	period := analytics.PeriodDaily
	if raw := r.URL.Query().Get("period"); raw != "" {
		switch analytics.Period(raw) {
		case analytics.PeriodDaily, analytics.PeriodWeekly, analytics.PeriodMonthly:
			period = analytics.Period(raw)
		default:
			writeError(w, http.StatusBadRequest, "Invalid period", nil)
			return
		}
	}

	row, err := h.Store.GetSalonAnalytics(r.Context(), salonID, date, period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get analytics", err)
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "No analytics for that salon and period", nil)
		return
	}
	writeJSON(w, http.StatusOK, toSalonAnalyticsDTO(*row))
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// GetCustomerMetrics returns one customer's score bundle.
func (h *Handler) GetCustomerMetrics(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "id")

	row, err := h.Store.GetClientMetrics(r.Context(), customerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get metrics", err)
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "No metrics for that customer", nil)
		return
	}
	writeJSON(w, http.StatusOK, toClientMetricsDTO(*row))
}

// =============================================================================
// LOYALTY HANDLERS
// =============================================================================

// GetBalance returns one rewards account.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := h.Store.GetBalance(r.Context(), id)
	if err != nil {
		if errors.Is(err, loyalty.ErrBalanceNotFound) {
			writeError(w, http.StatusNotFound, "Balance not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*b))
}

// GetTransactions returns a balance's ledger history, oldest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	txs, err := h.Ledger.Transactions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyBalance recomputes the balance from the ledger and reports
// whether the stored projection matches.
func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := h.Store.GetBalance(r.Context(), id)
	if err != nil {
		if errors.Is(err, loyalty.ErrBalanceNotFound) {
			writeError(w, http.StatusNotFound, "Balance not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get balance", err)
		return
	}

	computed, err := h.Ledger.BalanceOf(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to replay ledger", err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		BalanceID:  id,
		Consistent: computed.Equal(b.Available),
		Stored:     b.Available.String(),
		Computed:   computed.String(),
	})
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// RunMetricsJob triggers one metrics + rollup run and returns its report.
func (h *Handler) RunMetricsJob(w http.ResponseWriter, r *http.Request) {
	report, err := h.Runner.RunMetrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Metrics run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunReportDTO(report))
}

// RunTiersJob triggers one tier evaluation run.
func (h *Handler) RunTiersJob(w http.ResponseWriter, r *http.Request) {
	report, err := h.Runner.RunTiers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Tier run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunReportDTO(report))
}

// RunExpiryJob triggers one expiry sweep.
func (h *Handler) RunExpiryJob(w http.ResponseWriter, r *http.Request) {
	report, err := h.Runner.RunExpiry(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Expiry run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunReportDTO(report))
}

// ListJobRuns returns recent run records, newest first.
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListJobRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list job runs", err)
		return
	}

	dtos := make([]JobRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toJobRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
