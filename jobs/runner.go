/*
Package jobs runs the batch pipelines: metrics recomputation, tier
evaluation, and the cashback expiry sweep.

PURPOSE:
  The engines in metrics/, analytics/, and loyalty/ are pure or
  single-unit. This package is the batch driver that fans them out over
  tenants and programs, isolates per-unit failures, and records a run
  report for every execution.

FAILURE ISOLATION:
  One salon, balance, or ledger entry failing never aborts the run.
  Failures are counted and logged; the run report carries the tally.

SEE ALSO:
  - scheduler.go: Interval-based driver around the Runner
  - store/sqlite: Persisted job_runs table
*/
package jobs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/glowdesk/lifecycle-engine/analytics"
	"github.com/glowdesk/lifecycle-engine/loyalty"
	"github.com/glowdesk/lifecycle-engine/metrics"
	"github.com/glowdesk/lifecycle-engine/store/sqlite"
)

// Job names as persisted in job_runs.
const (
	JobMetrics = "metrics"
	JobTiers   = "tiers"
	JobExpiry  = "expiry"
)

// DefaultConcurrency bounds the salon fan-out of a metrics run.
const DefaultConcurrency = 4

// RunReport is the outcome of one batch run.
type RunReport struct {
	Job         string
	Processed   int
	Failed      int
	Skipped     int
	Errors      []error
	StartedAt   time.Time
	CompletedAt time.Time
}

// Runner executes the batch pipelines against the store.
type Runner struct {
	Store       *sqlite.Store
	Concurrency int
	Now         func() time.Time
	NewID       func() string
}

func NewRunner(store *sqlite.Store) *Runner {
	return &Runner{
		Store:       store,
		Concurrency: DefaultConcurrency,
		Now:         time.Now,
		NewID:       uuid.NewString,
	}
}

// RunMetrics recomputes every active salon's client metrics and then
// its analytics rollup. Salons are processed concurrently under a
// bounded pool; customers within a salon sequentially, so the rollup
// always sees that salon's finished rows.
func (r *Runner) RunMetrics(ctx context.Context) (RunReport, error) {
	report := RunReport{Job: JobMetrics, StartedAt: r.Now()}

	salons, err := r.Store.ListActiveSalons(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list salons: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency())

	for _, salon := range salons {
		salon := salon
		g.Go(func() error {
			scored, err := r.runSalonMetrics(gctx, salon.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Errorf("salon %s: %w", salon.ID, err))
				log.Printf("[Jobs] Metrics failed for salon %s: %v", salon.ID, err)
				return nil // one salon failing never aborts the run
			}
			if scored == 0 {
				report.Skipped++
				return nil
			}
			report.Processed += scored
			return nil
		})
	}
	g.Wait()

	report.CompletedAt = r.Now()
	r.record(ctx, report)
	log.Printf("[Jobs] Metrics run: %d customers scored, %d salons failed, %d skipped",
		report.Processed, report.Failed, report.Skipped)
	return report, nil
}

// runSalonMetrics scores one salon's customers and writes the rollup.
// Returns the number of customers scored.
func (r *Runner) runSalonMetrics(ctx context.Context, salonID string) (int, error) {
	histories, err := r.Store.ListCustomerHistories(ctx, salonID)
	if err != nil {
		return 0, err
	}
	if len(histories) == 0 {
		return 0, nil
	}

	now := r.Now()
	for _, h := range histories {
		m := metrics.Compute(metrics.Input{
			Customer: h.Customer,
			Visits:   h.Visits,
			Sales:    h.Sales,
			Now:      now,
		})
		if err := r.Store.UpsertClientMetrics(ctx, m); err != nil {
			return 0, err
		}
	}

	rows, err := r.Store.ListMetricsBySalon(ctx, salonID)
	if err != nil {
		return 0, err
	}
	visits, sales, err := r.Store.ListSalonActivity(ctx, salonID)
	if err != nil {
		return 0, err
	}

	rollup := analytics.Aggregate(analytics.Input{
		SalonID: salonID,
		Date:    now.UTC().Truncate(24 * time.Hour),
		Period:  analytics.PeriodDaily,
		Rows:    rows,
		Visits:  visits,
		Sales:   sales,
		Now:     now,
	})
	if err := r.Store.UpsertSalonAnalytics(ctx, rollup); err != nil {
		return 0, err
	}

	return len(histories), nil
}

// RunTiers evaluates every balance under every tiered program.
// Processed counts committed upgrades; unchanged balances are skipped.
func (r *Runner) RunTiers(ctx context.Context) (RunReport, error) {
	report := RunReport{Job: JobTiers, StartedAt: r.Now()}

	programs, err := r.Store.ListTieredPrograms(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list programs: %w", err)
	}

	engine := &loyalty.TierEngine{Store: r.Store, Now: r.Now, NewID: r.NewID}

	for _, program := range programs {
		tiers, err := r.Store.ListTiers(ctx, program.ID)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("program %s: %w", program.ID, err))
			continue
		}
		balances, err := r.Store.ListBalances(ctx, program.ID)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Errorf("program %s: %w", program.ID, err))
			continue
		}

		for _, b := range balances {
			change, err := engine.Evaluate(ctx, program, tiers, b)
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Errorf("balance %s: %w", b.ID, err))
				log.Printf("[Jobs] Tier evaluation failed for balance %s: %v", b.ID, err)
				continue
			}
			if change == nil {
				report.Skipped++
				continue
			}
			report.Processed++
			log.Printf("[Jobs] Balance %s upgraded to %s (bonus=%s)",
				change.BalanceID, change.TierName, change.Bonus)
		}
	}

	report.CompletedAt = r.Now()
	r.record(ctx, report)
	log.Printf("[Jobs] Tier run: %d upgraded, %d unchanged, %d failed",
		report.Processed, report.Skipped, report.Failed)
	return report, nil
}

// RunExpiry sweeps stale EARNED cashback off every balance.
func (r *Runner) RunExpiry(ctx context.Context) (RunReport, error) {
	report := RunReport{Job: JobExpiry, StartedAt: r.Now()}

	engine := &loyalty.ExpiryEngine{Store: r.Store, Now: r.Now, NewID: r.NewID}
	result, err := engine.Sweep(ctx)
	if err != nil {
		report.CompletedAt = r.Now()
		report.Errors = append(report.Errors, err)
		r.record(ctx, report)
		return report, err
	}

	report.Processed = result.Processed
	report.Failed = result.Failed
	report.Errors = result.Errors
	report.CompletedAt = r.Now()
	r.record(ctx, report)
	log.Printf("[Jobs] Expiry run: %d entries expired (total %s), %d failed",
		report.Processed, result.Expired, report.Failed)
	return report, nil
}

func (r *Runner) concurrency() int {
	if r.Concurrency > 0 {
		return r.Concurrency
	}
	return DefaultConcurrency
}

// record persists the run report. Recording failures are logged, never
// propagated: the run itself already happened.
func (r *Runner) record(ctx context.Context, report RunReport) {
	run := sqlite.JobRun{
		ID:          r.NewID(),
		Job:         report.Job,
		Processed:   report.Processed,
		Failed:      report.Failed,
		Skipped:     report.Skipped,
		Error:       joinErrors(report.Errors),
		StartedAt:   report.StartedAt,
		CompletedAt: report.CompletedAt,
	}
	if err := r.Store.SaveJobRun(ctx, run); err != nil {
		log.Printf("[Jobs] Failed to record %s run: %v", report.Job, err)
	}
}

// joinErrors flattens at most three error messages for the run record.
func joinErrors(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	var msgs []string
	for i, err := range errs {
		if i == 3 {
			msgs = append(msgs, fmt.Sprintf("and %d more", len(errs)-3))
			break
		}
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}
