/*
scheduler.go - Scheduled company-wide late fee scans

PURPOSE:
  Runs a late fee summary for every company on a cron schedule and
  records each run for audit and operator display. The scan only reads;
  it never posts fees anywhere.

DESIGN:
  - robfig/cron drives the schedule (standard 5-field spec)
  - One ScanRun per company per tick: running -> completed | failed
  - A failing company does not stop the others
  - Overlapping ticks are skipped; RunNow waits for the current scan

CONFIGURATION:
  - Schedule: cron spec (default "0 2 * * *", see config)
  - IncludePartial: include partially paid invoices in the scan

USAGE:
  scheduler := NewScanScheduler(engine, store, ScanConfig{Schedule: "0 2 * * *"}, logger)
  if err := scheduler.Start(); err != nil { ... }
  defer scheduler.Stop(ctx)

SEE ALSO:
  - handlers.go: ListScanRuns / TriggerScan endpoints
  - latefee/batch.go: BuildSummary
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/latefee-engine/latefee"
)

// ScanStore is what the scheduler needs from persistence.
type ScanStore interface {
	ListCompanyIDs(ctx context.Context) ([]string, error)
	SaveScanRun(ctx context.Context, run latefee.ScanRun) error
}

// ScanConfig configures a ScanScheduler.
type ScanConfig struct {
	Schedule       string
	IncludePartial bool
}

// ScanScheduler runs scheduled late fee scans.
type ScanScheduler struct {
	engine *latefee.Engine
	store  ScanStore
	config ScanConfig
	logger *slog.Logger
	now    func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	started bool

	// held for the duration of one RunNow
	scanMu sync.Mutex
}

// NewScanScheduler creates a scheduler. Nothing runs until Start.
func NewScanScheduler(engine *latefee.Engine, store ScanStore, cfg ScanConfig, logger *slog.Logger) *ScanScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &ScanScheduler{
		engine: engine,
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
		cron:   c,
	}
}

// Start registers the scan job and starts the cron scheduler.
func (s *ScanScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scan scheduler already started")
	}
	if _, err := s.cron.AddFunc(s.config.Schedule, s.runScheduled); err != nil {
		return fmt.Errorf("failed to schedule late fee scan: %w", err)
	}
	s.cron.Start()
	s.started = true

	s.logger.Info("scheduled late fee scan", "schedule", s.config.Schedule, "next_run", s.NextRun())
	return nil
}

// Stop stops the scheduler and waits for a running scan to finish, or for
// ctx to expire.
func (s *ScanScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("scan scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRun returns when the next scheduled scan will occur. It is zero
// before Start.
func (s *ScanScheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *ScanScheduler) runScheduled() {
	if _, err := s.RunNow(context.Background()); err != nil {
		s.logger.Error("scheduled late fee scan failed", "error", err)
	}
}

// RunNow scans every company immediately and returns one run per company.
// Only a failure to list companies is returned as an error; per-company
// failures are recorded on their runs.
func (s *ScanScheduler) RunNow(ctx context.Context) ([]latefee.ScanRun, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	companies, err := s.store.ListCompanyIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}

	s.logger.Info("late fee scan started", "companies", len(companies))

	runs := make([]latefee.ScanRun, 0, len(companies))
	failed := 0
	for _, companyID := range companies {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		run := s.scanCompany(ctx, companyID)
		if run.Status == latefee.ScanFailed {
			failed++
		}
		runs = append(runs, run)
	}

	s.logger.Info("late fee scan completed", "companies", len(companies), "failed", failed)
	return runs, nil
}

func (s *ScanScheduler) scanCompany(ctx context.Context, companyID string) latefee.ScanRun {
	started := s.now()
	run := latefee.ScanRun{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		Status:    latefee.ScanRunning,
		TotalFees: decimal.Zero,
		StartedAt: started,
	}

	if err := s.store.SaveScanRun(ctx, run); err != nil {
		s.logger.Error("failed to save scan run", "run_id", run.ID, "company_id", companyID, "error", err)
		run.Status = latefee.ScanFailed
		run.Error = err.Error()
		return run
	}

	summary, err := s.engine.BuildSummary(ctx, companyID, latefee.SummaryOptions{
		EndDate:        started,
		IncludePartial: s.config.IncludePartial,
	})

	completed := s.now()
	run.CompletedAt = &completed
	if err != nil {
		run.Status = latefee.ScanFailed
		run.Error = err.Error()
		s.logger.Error("late fee scan failed", "run_id", run.ID, "company_id", companyID, "error", err)
	} else {
		run.Status = latefee.ScanCompleted
		run.FeeCount = summary.FeeCount
		run.TotalFees = summary.TotalFees
		run.FailureCount = len(summary.Failures)
	}

	if err := s.store.SaveScanRun(ctx, run); err != nil {
		s.logger.Error("failed to update scan run", "run_id", run.ID, "company_id", companyID, "error", err)
	}

	s.logger.Info("company scanned",
		"run_id", run.ID,
		"company_id", companyID,
		"status", run.Status,
		"fee_count", run.FeeCount,
		"total_fees", run.TotalFees.String(),
		"failures", run.FailureCount)
	return run
}
