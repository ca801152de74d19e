/*
scheduler.go - Interval-based driver around the Runner

PURPOSE:
  Runs the metrics pipeline and the loyalty pipeline (tiers, then
  expiry) on independent intervals. Cheap pure computation runs often;
  ledger-writing jobs run on their own cadence.

CONFIGURATION:
  - MetricsInterval: metrics + rollup cadence (default: 6 hours)
  - LoyaltyInterval: tier evaluation + expiry sweep (default: 1 hour)
  - Enabled: whether the scheduler starts at all (default: true)

USAGE:
  scheduler := jobs.NewScheduler(runner)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - runner.go: The pipelines themselves
  - api/handlers.go: Manual trigger endpoints
*/
package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler drives the Runner on fixed intervals.
type Scheduler struct {
	Runner          *Runner
	MetricsInterval time.Duration
	LoyaltyInterval time.Duration
	Enabled         bool

	metricsTicker *time.Ticker
	loyaltyTicker *time.Ticker
	stop          chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	started       bool
}

func NewScheduler(runner *Runner) *Scheduler {
	return &Scheduler{
		Runner:          runner,
		MetricsInterval: 6 * time.Hour,
		LoyaltyInterval: 1 * time.Hour,
		Enabled:         true,
		stop:            make(chan struct{}),
	}
}

// Start begins both loops. Each pipeline also runs once immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Jobs] Scheduler disabled, not starting")
		return
	}
	if s.started {
		return
	}
	s.started = true

	s.metricsTicker = time.NewTicker(s.MetricsInterval)
	s.loyaltyTicker = time.NewTicker(s.LoyaltyInterval)
	s.wg.Add(2)

	go s.runMetricsLoop()
	go s.runLoyaltyLoop()

	log.Printf("[Jobs] Scheduler started: metrics every %v, loyalty every %v",
		s.MetricsInterval, s.LoyaltyInterval)
}

// Stop halts both loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.metricsTicker.Stop()
	s.loyaltyTicker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.started = false
	log.Println("[Jobs] Scheduler stopped")
}

func (s *Scheduler) runMetricsLoop() {
	defer s.wg.Done()

	s.RunMetricsNow()

	for {
		select {
		case <-s.metricsTicker.C:
			s.RunMetricsNow()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) runLoyaltyLoop() {
	defer s.wg.Done()

	s.RunLoyaltyNow()

	for {
		select {
		case <-s.loyaltyTicker.C:
			s.RunLoyaltyNow()
		case <-s.stop:
			return
		}
	}
}

// RunMetricsNow triggers one metrics run outside the schedule.
func (s *Scheduler) RunMetricsNow() {
	if _, err := s.Runner.RunMetrics(context.Background()); err != nil {
		log.Printf("[Jobs] Metrics run failed: %v", err)
	}
}

// RunLoyaltyNow triggers one tier evaluation followed by one expiry
// sweep. Tiers run first so a just-upgraded multiplier never races the
// sweep within a cycle.
func (s *Scheduler) RunLoyaltyNow() {
	if _, err := s.Runner.RunTiers(context.Background()); err != nil {
		log.Printf("[Jobs] Tier run failed: %v", err)
	}
	if _, err := s.Runner.RunExpiry(context.Background()); err != nil {
		log.Printf("[Jobs] Expiry run failed: %v", err)
	}
}
