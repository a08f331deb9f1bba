// Package store provides an in-memory latefee.DataSource.
package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/latefee-engine/latefee"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	rules     map[string][]latefee.LateFeeRule // by company, insertion order
	invoices  map[string]latefee.Invoice
	contracts map[string]latefee.Contract
	payments  map[string]latefee.Payment
	runs      []latefee.ScanRun

	// failures makes the named operation return the error. Tests use it
	// to simulate a failing database.
	failures map[string]error
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rules:     make(map[string][]latefee.LateFeeRule),
		invoices:  make(map[string]latefee.Invoice),
		contracts: make(map[string]latefee.Contract),
		payments:  make(map[string]latefee.Payment),
		failures:  make(map[string]error),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Operation names accepted by FailOn.
const (
	OpGetRules       = "GetRules"
	OpGetInvoice     = "GetInvoice"
	OpGetContract    = "GetContract"
	OpGetPayment     = "GetPayment"
	OpLatestPayment  = "GetLatestCompletedPayment"
	OpListOverdue    = "ListOverdueInvoices"
	OpListContracts  = "ListActiveContractsWithPayments"
	OpListCompanyIDs = "ListCompanyIDs"
	OpSaveScanRun    = "SaveScanRun"
)

// FailOn makes op return err until cleared with a nil err.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) failure(op string) error {
	return m.failures[op]
}

// =============================================================================
// WRITES - Seeding
// =============================================================================

// SaveRule validates and stores a rule. An empty ID gets a UUID and a
// zero CreatedAt is set to now. Saving an existing ID replaces it.
func (m *Memory) SaveRule(_ context.Context, rule latefee.LateFeeRule) (latefee.LateFeeRule, error) {
	if err := rule.Validate(); err != nil {
		return latefee.LateFeeRule{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = m.now()
	}

	rules := m.rules[rule.CompanyID]
	for i := range rules {
		if rules[i].ID == rule.ID {
			rules[i] = rule
			return rule, nil
		}
	}
	m.rules[rule.CompanyID] = append(rules, rule)
	return rule, nil
}

func (m *Memory) PutInvoice(inv latefee.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = inv
}

func (m *Memory) PutContract(c latefee.Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[c.ID] = c
}

func (m *Memory) PutPayment(p latefee.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
}

// =============================================================================
// READS - latefee.DataSource
// =============================================================================

// GetRules returns enabled rules, newest first.
func (m *Memory) GetRules(_ context.Context, companyID string) ([]latefee.LateFeeRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpGetRules); err != nil {
		return nil, err
	}

	var result []latefee.LateFeeRule
	for _, r := range m.newestFirst(companyID) {
		if r.Enabled {
			result = append(result, r)
		}
	}
	return result, nil
}

// ListRules returns every rule of the company, disabled ones included.
func (m *Memory) ListRules(_ context.Context, companyID string) ([]latefee.LateFeeRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.newestFirst(companyID), nil
}

func (m *Memory) newestFirst(companyID string) []latefee.LateFeeRule {
	stored := m.rules[companyID]
	result := make([]latefee.LateFeeRule, len(stored))
	// reverse insertion order so equal timestamps still read newest first
	for i, r := range stored {
		result[len(stored)-1-i] = r
	}
	slices.SortStableFunc(result, latefee.NewestFirst)
	return result
}

func (m *Memory) GetInvoice(_ context.Context, id string) (*latefee.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpGetInvoice); err != nil {
		return nil, err
	}

	inv, ok := m.invoices[id]
	if !ok {
		return nil, &latefee.NotFoundError{Kind: "invoice", ID: id}
	}
	return &inv, nil
}

func (m *Memory) GetContract(_ context.Context, id string) (*latefee.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpGetContract); err != nil {
		return nil, err
	}

	c, ok := m.contracts[id]
	if !ok {
		return nil, &latefee.NotFoundError{Kind: "contract", ID: id}
	}
	return &c, nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (*latefee.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpGetPayment); err != nil {
		return nil, err
	}

	p, ok := m.payments[id]
	if !ok {
		return nil, &latefee.NotFoundError{Kind: "payment", ID: id}
	}
	return &p, nil
}

// GetLatestCompletedPayment picks the completed payment with the latest
// PaymentDate, breaking ties on CreatedAt.
func (m *Memory) GetLatestCompletedPayment(_ context.Context, targetType latefee.TargetType, targetID string) (*latefee.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpLatestPayment); err != nil {
		return nil, err
	}

	var latest *latefee.Payment
	for _, p := range m.payments {
		if p.Status != latefee.PaymentCompleted || !paysFor(p, targetType, targetID) {
			continue
		}
		if latest == nil || laterPayment(p, *latest) {
			latest = &p
		}
	}
	return latest, nil
}

func paysFor(p latefee.Payment, targetType latefee.TargetType, targetID string) bool {
	switch targetType {
	case latefee.TargetInvoice:
		return p.InvoiceID == targetID
	case latefee.TargetContract:
		return p.ContractID == targetID
	default:
		return false
	}
}

func laterPayment(a, b latefee.Payment) bool {
	if !a.PaymentDate.Equal(b.PaymentDate) {
		return a.PaymentDate.After(b.PaymentDate)
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// ListOverdueInvoices returns matches ordered by due date, then ID.
func (m *Memory) ListOverdueInvoices(_ context.Context, companyID string, asOf time.Time, includePartial bool) ([]latefee.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpListOverdue); err != nil {
		return nil, err
	}

	statuses := latefee.OverdueInvoiceStatuses(includePartial)
	var result []latefee.Invoice
	for _, inv := range m.invoices {
		if inv.CompanyID != companyID || !inv.DueDate.Before(asOf) {
			continue
		}
		if !slices.Contains(statuses, inv.PaymentStatus) {
			continue
		}
		result = append(result, inv)
	}

	slices.SortFunc(result, func(a, b latefee.Invoice) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

// ListActiveContractsWithPayments returns matches ordered by ID.
func (m *Memory) ListActiveContractsWithPayments(_ context.Context, companyID string) ([]latefee.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpListContracts); err != nil {
		return nil, err
	}

	paid := make(map[string]bool)
	for _, p := range m.payments {
		if p.Status == latefee.PaymentCompleted && p.ContractID != "" {
			paid[p.ContractID] = true
		}
	}

	var result []latefee.Contract
	for _, c := range m.contracts {
		if c.CompanyID != companyID || !paid[c.ID] {
			continue
		}
		if !slices.Contains(latefee.ScannableContractStatuses, c.Status) {
			continue
		}
		result = append(result, c)
	}

	slices.SortFunc(result, func(a, b latefee.Contract) int { return cmp.Compare(a.ID, b.ID) })
	return result, nil
}

// ListCompanyIDs returns every company that owns rules, invoices or
// contracts, sorted.
func (m *Memory) ListCompanyIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpListCompanyIDs); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for id := range m.rules {
		seen[id] = true
	}
	for _, inv := range m.invoices {
		seen[inv.CompanyID] = true
	}
	for _, c := range m.contracts {
		seen[c.CompanyID] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// =============================================================================
// SCAN RUNS
// =============================================================================

// SaveScanRun inserts or replaces a run by ID.
func (m *Memory) SaveScanRun(_ context.Context, run latefee.ScanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpSaveScanRun); err != nil {
		return err
	}

	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// ListScanRuns returns runs newest first, optionally for one company.
// limit <= 0 means no limit.
func (m *Memory) ListScanRuns(_ context.Context, companyID string, limit int) ([]latefee.ScanRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []latefee.ScanRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		r := m.runs[i]
		if companyID != "" && r.CompanyID != companyID {
			continue
		}
		result = append(result, r)
	}
	slices.SortStableFunc(result, func(a, b latefee.ScanRun) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
