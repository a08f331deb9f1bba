/*
batch.go - Company-wide overdue scans and summaries

PURPOSE:
  Runs the single-target pipeline over every overdue invoice or contract
  of a company and rolls the results into a Summary.

SCANS:
  Invoices:  DueDate < AsOf, status unpaid (or unpaid/partial/overdue with
             IncludePartial), DueDate >= StartDate when StartDate is set.
  Contracts: active or under-review contracts with a completed payment.

FAILURE ISOLATION:
  The listing query failing fails the batch. A row failing does not: the
  row is left out of Calculations and reported in Failures. Rows that
  yield no calculation are skipped silently.

PARALLELISM:
  With Options.Workers > 1 rows are computed concurrently (bounded by an
  errgroup limit). Results keep the listing order either way.

SIDE EFFECTS:
  None beyond rule cache population.
*/
package latefee

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchOptions bound one scan.
type BatchOptions struct {
	// AsOf is the scan date and fallback payment date (default now).
	AsOf time.Time
	// StartDate, when set, excludes invoices due before it.
	StartDate      time.Time
	IncludePartial bool
}

// BatchResult is the outcome of one scan.
type BatchResult struct {
	// AsOf is the resolved scan date; the engine clock when none was given.
	AsOf         time.Time
	Calculations []Calculation
	Failures     []RowError
}

// SummaryOptions select which scans feed a summary.
type SummaryOptions struct {
	StartDate      time.Time
	EndDate        time.Time // default now; used as the scan's AsOf
	IncludePartial bool
	// Targets defaults to invoices and contracts.
	Targets []TargetType
}

func (o SummaryOptions) wants(t TargetType) bool {
	if len(o.Targets) == 0 {
		return t == TargetInvoice || t == TargetContract
	}
	for _, x := range o.Targets {
		if x == t {
			return true
		}
	}
	return false
}

// =============================================================================
// SCANS
// =============================================================================

// CalculateForAllOverdueInvoices scans a company's overdue invoices.
func (e *Engine) CalculateForAllOverdueInvoices(ctx context.Context, companyID string, opts BatchOptions) (*BatchResult, error) {
	asOf := e.dateOrNow(&opts.AsOf)
	started := time.Now()

	invoices, err := e.source.ListOverdueInvoices(ctx, companyID, asOf, opts.IncludePartial)
	if err != nil {
		return nil, wrapAccess("list overdue invoices", err)
	}

	rows := invoices[:0:0]
	for _, inv := range invoices {
		if !opts.StartDate.IsZero() && inv.DueDate.Before(opts.StartDate) {
			continue
		}
		rows = append(rows, inv)
	}

	result := runBatch(ctx, e.workers, rows,
		func(inv Invoice) string { return inv.ID },
		TargetInvoice,
		func(ctx context.Context, inv Invoice) (*Calculation, error) {
			return e.calculateInvoice(ctx, inv, asOf)
		})

	result.AsOf = asOf
	e.finishBatch(companyID, TargetInvoice, len(rows), result, started)
	return result, nil
}

// CalculateForAllOverdueContracts scans a company's paying contracts.
func (e *Engine) CalculateForAllOverdueContracts(ctx context.Context, companyID string, opts BatchOptions) (*BatchResult, error) {
	asOf := e.dateOrNow(&opts.AsOf)
	started := time.Now()

	contracts, err := e.source.ListActiveContractsWithPayments(ctx, companyID)
	if err != nil {
		return nil, wrapAccess("list active contracts", err)
	}

	result := runBatch(ctx, e.workers, contracts,
		func(c Contract) string { return c.ID },
		TargetContract,
		func(ctx context.Context, c Contract) (*Calculation, error) {
			return e.calculateContract(ctx, c, asOf)
		})

	result.AsOf = asOf
	e.finishBatch(companyID, TargetContract, len(contracts), result, started)
	return result, nil
}

// BuildSummary runs the requested scans and aggregates their results.
func (e *Engine) BuildSummary(ctx context.Context, companyID string, opts SummaryOptions) (*Summary, error) {
	end := e.dateOrNow(&opts.EndDate)
	batch := BatchOptions{AsOf: end, StartDate: opts.StartDate, IncludePartial: opts.IncludePartial}

	var calcs []Calculation
	var failures []RowError

	if opts.wants(TargetInvoice) {
		r, err := e.CalculateForAllOverdueInvoices(ctx, companyID, batch)
		if err != nil {
			return nil, err
		}
		calcs = append(calcs, r.Calculations...)
		failures = append(failures, r.Failures...)
	}
	if opts.wants(TargetContract) {
		r, err := e.CalculateForAllOverdueContracts(ctx, companyID, batch)
		if err != nil {
			return nil, err
		}
		calcs = append(calcs, r.Calculations...)
		failures = append(failures, r.Failures...)
	}

	summary := Summarize(companyID, calcs, Period{StartDate: opts.StartDate, EndDate: end})
	summary.Failures = failures
	return &summary, nil
}

// =============================================================================
// BATCH RUNNER
// =============================================================================

type rowOutcome struct {
	calc *Calculation
	err  error
}

func runBatch[T any](
	ctx context.Context,
	workers int,
	rows []T,
	idOf func(T) string,
	target TargetType,
	calc func(context.Context, T) (*Calculation, error),
) *BatchResult {
	outcomes := make([]rowOutcome, len(rows))

	if workers <= 1 {
		for i, row := range rows {
			c, err := calc(ctx, row)
			outcomes[i] = rowOutcome{calc: c, err: err}
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(workers)
		for i, row := range rows {
			g.Go(func() error {
				c, err := calc(ctx, row)
				outcomes[i] = rowOutcome{calc: c, err: err}
				return nil
			})
		}
		_ = g.Wait()
	}

	result := &BatchResult{Calculations: []Calculation{}}
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			result.Failures = append(result.Failures, RowError{
				TargetType: target,
				TargetID:   idOf(rows[i]),
				Err:        o.err,
			})
		case o.calc != nil:
			result.Calculations = append(result.Calculations, *o.calc)
		}
	}
	return result
}

func (e *Engine) finishBatch(companyID string, target TargetType, rows int, r *BatchResult, started time.Time) {
	elapsed := time.Since(started)
	e.recorder.BatchDone(target, rows, len(r.Failures), elapsed)

	for _, f := range r.Failures {
		e.logger.Error("late fee row failed",
			"company_id", companyID,
			"target_type", f.TargetType,
			"target_id", f.TargetID,
			"error", f.Err)
	}
	e.logger.Info("late fee scan completed",
		"company_id", companyID,
		"target_type", target,
		"rows", rows,
		"calculations", len(r.Calculations),
		"failures", len(r.Failures),
		"elapsed", elapsed)
}
