/*
engine.go - Late fee engine entry points

PURPOSE:
  Wires resolver, rule store, selector and calculator into the per-target
  calculate operations. Batch scans and summaries live in batch.go.

OUTCOMES:
  (*Calculation, nil)   a rule applied; the fee may be zero
  (nil, nil)            no fee: target missing, zero-lag payment, or no rule
  (nil, err)            a data access failure (*DataAccessError)

STATE:
  The engine is safe for concurrent use. Its only mutable state is the
  rule cache behind the RuleStore.

USAGE:
  engine := latefee.NewEngine(store, latefee.Options{Logger: logger})
  calc, err := engine.CalculateForInvoice(ctx, "inv-1", nil)
  if err != nil { ... }
  if calc == nil { // no fee applies }
*/
package latefee

import (
	"context"
	"log/slog"
	"time"
)

// Options configure an Engine. Zero values give the documented defaults.
type Options struct {
	// Cache defaults to a MemoryRuleCache with CacheTTL.
	Cache    RuleCache
	CacheTTL time.Duration

	// Calculator defaults to NewFeeCalculator(TieredSingleApplication).
	Calculator FeeCalculator
	Selector   Selector

	// Workers bounds parallel per-row computation in batches; <= 1 is
	// sequential.
	Workers int

	Logger   *slog.Logger
	Recorder Recorder
	Clock    Clock
}

type Engine struct {
	source     DataSource
	rules      *RuleStore
	resolver   Resolver
	selector   Selector
	calculator FeeCalculator
	workers    int
	logger     *slog.Logger
	recorder   Recorder
	now        Clock
}

func NewEngine(source DataSource, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = systemClock
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryRuleCache(opts.CacheTTL, opts.Clock)
	}
	if opts.Calculator == nil {
		opts.Calculator = NewFeeCalculator(TieredSingleApplication)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	return &Engine{
		source:     source,
		rules:      NewRuleStore(source, opts.Cache, opts.Logger, opts.Recorder),
		resolver:   Resolver{Source: source},
		selector:   opts.Selector,
		calculator: opts.Calculator,
		workers:    opts.Workers,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		now:        opts.Clock,
	}
}

// Rules exposes the cache-first rule store.
func (e *Engine) Rules() *RuleStore { return e.rules }

// ClearCache evicts one or more companies' rules, or all when none given.
func (e *Engine) ClearCache(ctx context.Context, companyIDs ...string) error {
	return e.rules.ClearCache(ctx, companyIDs...)
}

// =============================================================================
// SINGLE-TARGET ENTRY POINTS
// =============================================================================

// CalculateForInvoice computes the fee for one invoice. asOf is the
// fallback payment date when no completed payment exists (default now).
func (e *Engine) CalculateForInvoice(ctx context.Context, invoiceID string, asOf *time.Time) (*Calculation, error) {
	inv, err := e.source.GetInvoice(ctx, invoiceID)
	if err != nil {
		return e.fetchFailed(TargetInvoice, invoiceID, wrapAccess("get invoice", err))
	}
	return e.calculateInvoice(ctx, *inv, e.dateOrNow(asOf))
}

// CalculateForContract computes the fee for one contract's latest payment.
func (e *Engine) CalculateForContract(ctx context.Context, contractID string, asOf *time.Time) (*Calculation, error) {
	c, err := e.source.GetContract(ctx, contractID)
	if err != nil {
		return e.fetchFailed(TargetContract, contractID, wrapAccess("get contract", err))
	}
	return e.calculateContract(ctx, *c, e.dateOrNow(asOf))
}

// CalculateForPayment computes the fee for a payment recorded after its
// declared date. Payments recorded on time yield no calculation.
func (e *Engine) CalculateForPayment(ctx context.Context, paymentID string) (*Calculation, error) {
	p, err := e.source.GetPayment(ctx, paymentID)
	if err != nil {
		return e.fetchFailed(TargetPayment, paymentID, wrapAccess("get payment", err))
	}

	res := e.resolver.ResolvePayment(*p)
	if res.DaysOverdue == 0 {
		e.recorder.CalculationDone(TargetPayment, OutcomeNoFee, 0)
		return nil, nil
	}
	return e.compute(ctx, res)
}

// =============================================================================
// PIPELINE
// =============================================================================

func (e *Engine) calculateInvoice(ctx context.Context, inv Invoice, paymentDate time.Time) (*Calculation, error) {
	res, err := e.resolver.ResolveInvoice(ctx, inv, paymentDate)
	if err != nil {
		e.recorder.CalculationDone(TargetInvoice, OutcomeError, 0)
		return nil, err
	}
	return e.compute(ctx, res)
}

func (e *Engine) calculateContract(ctx context.Context, c Contract, paymentDate time.Time) (*Calculation, error) {
	res, err := e.resolver.ResolveContract(ctx, c, paymentDate)
	if err != nil {
		e.recorder.CalculationDone(TargetContract, OutcomeError, 0)
		return nil, err
	}
	return e.compute(ctx, res)
}

// compute runs selection and the fee algorithm for a resolved target.
func (e *Engine) compute(ctx context.Context, res Resolution) (*Calculation, error) {
	rules, err := e.rules.Rules(ctx, res.CompanyID)
	if err != nil {
		e.recorder.CalculationDone(res.TargetType, OutcomeError, 0)
		return nil, err
	}

	rule := e.selector.Select(rules, res.DaysOverdue, res.TargetType)
	if rule == nil {
		e.recorder.CalculationDone(res.TargetType, OutcomeNoFee, 0)
		return nil, nil
	}

	days := e.selector.EffectiveDays(*rule, res.DaysOverdue)
	fee := e.calculator.Fee(*rule, days, res.Principal)

	calc := &Calculation{
		TargetID:       res.TargetID,
		TargetType:     res.TargetType,
		TargetNumber:   res.TargetNumber,
		CustomerID:     res.CustomerID,
		CompanyID:      res.CompanyID,
		DueDate:        res.DueDate,
		PaymentDate:    res.PaymentDate,
		DaysOverdue:    res.DaysOverdue,
		OriginalAmount: res.Principal,
		LateFeeAmount:  fee,
		TotalAmount:    res.Principal.Add(fee),
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		CalculatedAt:   e.now(),
	}

	f, _ := fee.Float64()
	e.recorder.CalculationDone(res.TargetType, OutcomeFee, f)
	e.logger.Debug("late fee calculated",
		"target_type", res.TargetType,
		"target_id", res.TargetID,
		"days_overdue", res.DaysOverdue,
		"rule_id", rule.ID,
		"fee", fee.String())
	return calc, nil
}

// fetchFailed turns a missing target into "no calculation" and passes
// data access failures through.
func (e *Engine) fetchFailed(target TargetType, id string, err error) (*Calculation, error) {
	if IsNotFound(err) {
		e.logger.Warn("late fee target not found", "target_type", target, "target_id", id)
		e.recorder.CalculationDone(target, OutcomeNotFound, 0)
		return nil, nil
	}
	e.recorder.CalculationDone(target, OutcomeError, 0)
	return nil, err
}

func (e *Engine) dateOrNow(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return e.now()
	}
	return *t
}
