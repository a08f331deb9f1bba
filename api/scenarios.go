/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic
  late fee data. Each scenario seeds one demo company with rules and the
  invoices, contracts or payments that exercise them.

AVAILABLE SCENARIOS:
  overdue-invoices: Default percentage rule over invoices at various ages
  tiered-contracts: Tiered rule over contracts paid early and late in the month
  late-payments:    Fixed per-day rule over late-recorded payments

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create rules via the factory
 3. Create source records dated relative to today
 4. Evict the rule cache

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "overdue-invoices"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler, writeJSON
  - factory/rule.go: Rule JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/latefee-engine/latefee"
)

// ScenarioStore is the seeding surface scenarios need.
type ScenarioStore interface {
	Reset(ctx context.Context) error
	SaveRule(ctx context.Context, rule latefee.LateFeeRule) (latefee.LateFeeRule, error)
	SaveInvoice(ctx context.Context, inv latefee.Invoice) error
	SaveContract(ctx context.Context, c latefee.Contract) error
	SavePayment(ctx context.Context, p latefee.Payment) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioLoader func(h *Handler, ctx context.Context, today time.Time) error

var scenarios = []ScenarioDTO{
	{
		ID:          "overdue-invoices",
		Name:        "Overdue Invoices",
		Description: "Default 1.5%/day rule, capped at 20%, over invoices 3 to 45 days late",
		CompanyID:   "demo-invoices",
	},
	{
		ID:          "tiered-contracts",
		Name:        "Tiered Contracts",
		Description: "Tiered rule over contracts last paid at different points in the month",
		CompanyID:   "demo-contracts",
	},
	{
		ID:          "late-payments",
		Name:        "Late Payments",
		Description: "Fixed 5/day rule, capped at 100, over payments recorded after their date",
		CompanyID:   "demo-payments",
	},
}

var scenarioLoaders = map[string]scenarioLoader{
	"overdue-invoices": (*Handler).loadOverdueInvoicesScenario,
	"tiered-contracts": (*Handler).loadTieredContractsScenario,
	"late-payments":    (*Handler).loadLatePaymentsScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Scenarios == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "Scenarios are disabled", "scenarios_disabled", nil)
		return
	}

	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if err := h.Scenarios.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(h, ctx, latefee.StartOfDay(time.Now())); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	if err := h.Engine.ClearCache(ctx); err != nil {
		h.Logger.Warn("failed to evict rule cache", "error", err)
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadOverdueInvoicesScenario(ctx context.Context, today time.Time) error {
	const company = "demo-invoices"

	if err := h.createRuleFromJSON(ctx, company, `{
		"name": "Default Late Fee",
		"name_localized": "رسوم التأخير الافتراضية",
		"rule_type": "percentage",
		"fee_structure": {"daily_rate_percent": "1.5", "max_percent_of_principal": "20"},
		"grace_period_days": 7,
		"minimum_overdue_days": 8,
		"applies_to_invoices": true,
		"applies_to_contracts": true
	}`); err != nil {
		return err
	}

	invoices := []struct {
		id      string
		daysAgo int
		amount  string
		status  latefee.InvoiceStatus
	}{
		{"inv-1001", 3, "1200.00", latefee.InvoiceUnpaid},  // inside the 8-day minimum
		{"inv-1002", 10, "1000.00", latefee.InvoiceUnpaid}, // 15%
		{"inv-1003", 45, "2500.00", latefee.InvoiceUnpaid}, // capped at 20%
		{"inv-1004", 20, "800.00", latefee.InvoicePartial}, // only with include_partial
		{"inv-1005", 30, "640.00", latefee.InvoiceOverdue}, // only with include_partial
		{"inv-1006", 25, "1500.00", latefee.InvoicePaid},   // paid 12 days late
		{"inv-1007", -5, "900.00", latefee.InvoiceUnpaid},  // not yet due
	}

	for _, inv := range invoices {
		if err := h.Scenarios.SaveInvoice(ctx, latefee.Invoice{
			ID:            inv.id,
			CompanyID:     company,
			CustomerID:    "cust-acme",
			Number:        "INV-" + inv.id[4:],
			DueDate:       today.AddDate(0, 0, -inv.daysAgo),
			TotalAmount:   decimal.RequireFromString(inv.amount),
			PaymentStatus: inv.status,
		}); err != nil {
			return fmt.Errorf("invoice %s: %w", inv.id, err)
		}
	}

	paidOn := today.AddDate(0, 0, -13)
	return h.Scenarios.SavePayment(ctx, latefee.Payment{
		ID:          "pay-1006",
		CompanyID:   company,
		CustomerID:  "cust-acme",
		Number:      "PAY-1006",
		InvoiceID:   "inv-1006",
		Amount:      decimal.RequireFromString("1500.00"),
		PaymentDate: paidOn,
		CreatedAt:   paidOn,
		Status:      latefee.PaymentCompleted,
	})
}

func (h *Handler) loadTieredContractsScenario(ctx context.Context, today time.Time) error {
	const company = "demo-contracts"

	if err := h.createRuleFromJSON(ctx, company, `{
		"name": "Contract Tiers",
		"rule_type": "tiered",
		"fee_structure": {"tiers": [
			{"start_day": 8, "end_day": 15, "daily_rate_percent": "3"},
			{"start_day": 15, "end_day": 25, "daily_rate_percent": "5"},
			{"start_day": 25, "end_day": 32, "daily_rate_percent": "8", "max_amount": "400"}
		]},
		"minimum_overdue_days": 8,
		"applies_to_contracts": true
	}`); err != nil {
		return err
	}

	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	contracts := []struct {
		id      string
		monthly string
		paidDay int // day of month of the last completed payment; 0 = never paid
		status  latefee.ContractStatus
	}{
		{"con-2001", "3000.00", 2, latefee.ContractActive},       // 25+ days before month end
		{"con-2002", "1800.00", 12, latefee.ContractActive},      // mid tier
		{"con-2003", "2200.00", 25, latefee.ContractUnderReview}, // inside the minimum
		{"con-2004", "900.00", 0, latefee.ContractActive},        // skipped by the scan
		{"con-2005", "1200.00", 5, latefee.ContractClosed},       // skipped by the scan
	}

	for _, c := range contracts {
		if err := h.Scenarios.SaveContract(ctx, latefee.Contract{
			ID:            c.id,
			CompanyID:     company,
			CustomerID:    "cust-globex",
			Number:        "CON-" + c.id[4:],
			MonthlyAmount: decimal.RequireFromString(c.monthly),
			Status:        c.status,
		}); err != nil {
			return fmt.Errorf("contract %s: %w", c.id, err)
		}
		if c.paidDay == 0 {
			continue
		}

		paidOn := monthStart.AddDate(0, 0, c.paidDay-1)
		if err := h.Scenarios.SavePayment(ctx, latefee.Payment{
			ID:          "pay-" + c.id[4:],
			CompanyID:   company,
			CustomerID:  "cust-globex",
			Number:      "PAY-" + c.id[4:],
			ContractID:  c.id,
			Amount:      decimal.RequireFromString(c.monthly),
			PaymentDate: paidOn,
			CreatedAt:   paidOn,
			Status:      latefee.PaymentCompleted,
		}); err != nil {
			return fmt.Errorf("payment for %s: %w", c.id, err)
		}
	}
	return nil
}

func (h *Handler) loadLatePaymentsScenario(ctx context.Context, today time.Time) error {
	const company = "demo-payments"

	if err := h.createRuleFromJSON(ctx, company, `{
		"name": "Late Recording",
		"rule_type": "fixed",
		"fee_structure": {"daily_amount": "5", "max_amount": "100"},
		"minimum_overdue_days": 1,
		"applies_to_payments": true
	}`); err != nil {
		return err
	}

	payments := []struct {
		id      string
		lagDays int
		status  latefee.PaymentStatus
	}{
		{"pay-3001", 0, latefee.PaymentCompleted},  // on time
		{"pay-3002", 4, latefee.PaymentCompleted},  // 20
		{"pay-3003", 40, latefee.PaymentCompleted}, // capped at 100
		{"pay-3004", 6, latefee.PaymentPending},    // 30
	}

	for _, p := range payments {
		declared := today.AddDate(0, 0, -p.lagDays-1)
		if err := h.Scenarios.SavePayment(ctx, latefee.Payment{
			ID:          p.id,
			CompanyID:   company,
			CustomerID:  "cust-initech",
			Number:      "PAY-" + p.id[4:],
			Amount:      decimal.RequireFromString("750.00"),
			PaymentDate: declared,
			CreatedAt:   declared.AddDate(0, 0, p.lagDays),
			Status:      p.status,
		}); err != nil {
			return fmt.Errorf("payment %s: %w", p.id, err)
		}
	}
	return nil
}

func (h *Handler) createRuleFromJSON(ctx context.Context, companyID, jsonStr string) error {
	rules, err := h.RuleFactory.ParseRulesFor(companyID, []byte(jsonStr))
	if err != nil {
		return fmt.Errorf("failed to parse rule: %w", err)
	}
	for _, rule := range rules {
		if _, err := h.Scenarios.SaveRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to save rule %q: %w", rule.Name, err)
		}
	}
	return nil
}
