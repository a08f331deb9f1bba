/*
handlers_test.go - Tests for API handlers

Tests for:
- Single-target late fee endpoints (applies / does not apply / bad input)
- Company scans and summaries
- Rule seeding and cache eviction
- Scan run endpoints and error status mapping
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/latefee-engine/latefee"
	memstore "github.com/warp/latefee-engine/latefee/store"
	"github.com/warp/latefee-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store   *sqlite.Store
	engine  *latefee.Engine
	handler *Handler
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := latefee.NewEngine(store, latefee.Options{
		Logger: logger,
		Clock:  func() time.Time { return testNow },
	})

	h := NewHandler(engine, store, store, logger)
	h.Health = store

	return &testEnv{
		store:   store,
		engine:  engine,
		handler: h,
		router:  NewRouter(h, RouterConfig{}),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (e *testEnv) seedDefaultRule(t *testing.T, companyID string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/companies/"+companyID+"/rules/default", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (e *testEnv) seedInvoice(t *testing.T, id, companyID string, due time.Time, amount string, status latefee.InvoiceStatus) {
	t.Helper()
	require.NoError(t, e.store.SaveInvoice(context.Background(), latefee.Invoice{
		ID:            id,
		CompanyID:     companyID,
		CustomerID:    "cust-1",
		Number:        "INV-" + id,
		DueDate:       due,
		TotalAmount:   dec(amount),
		PaymentStatus: status,
	}))
}

// =============================================================================
// SINGLE-TARGET ENDPOINTS
// =============================================================================

func TestGetInvoiceLateFee_DefaultRuleApplies(t *testing.T) {
	// GIVEN: The default rule and an invoice due ten days before as_of
	env := newTestEnv(t)
	env.seedDefaultRule(t, "co-1")
	env.seedInvoice(t, "inv-1", "co-1", day(2025, 1, 1), "1000", latefee.InvoiceUnpaid)

	// WHEN: Asking for its late fee
	rec := env.do(t, http.MethodGet, "/api/invoices/inv-1/late-fee?as_of=2025-01-11", "")

	// THEN: 1.5% x 10 days of 1000
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[LateFeeResponse](t, rec)
	require.True(t, resp.Applies)
	require.NotNil(t, resp.Calculation)

	calc := resp.Calculation
	assert.Equal(t, "inv-1", calc.TargetID)
	assert.Equal(t, "invoice", calc.TargetType)
	assert.Equal(t, 10, calc.DaysOverdue)
	assert.Equal(t, "2025-01-01", calc.DueDate)
	assert.Equal(t, "2025-01-11", calc.PaymentDate)
	assert.True(t, calc.LateFeeAmount.Equal(dec("150")), "fee = %s", calc.LateFeeAmount)
	assert.True(t, calc.TotalAmount.Equal(dec("1150")))
	assert.Equal(t, latefee.DefaultRuleName, calc.RuleName)
}

func TestGetInvoiceLateFee_BelowMinimumDays(t *testing.T) {
	// GIVEN: An invoice only 7 days late; the default rule starts at day 8
	env := newTestEnv(t)
	env.seedDefaultRule(t, "co-1")
	env.seedInvoice(t, "inv-1", "co-1", day(2025, 1, 1), "1000", latefee.InvoiceUnpaid)

	rec := env.do(t, http.MethodGet, "/api/invoices/inv-1/late-fee?as_of=2025-01-08", "")

	// THEN: No fee, and no calculation body
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"applies": false}`, rec.Body.String())
}

func TestGetInvoiceLateFee_MissingInvoiceIsNotAnError(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/invoices/nope/late-fee", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"applies": false}`, rec.Body.String())
}

func TestGetInvoiceLateFee_RejectsBadDate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/invoices/inv-1/late-fee?as_of=11/01/2025", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "Invalid as_of", resp.Error)
}

func TestGetContractLateFee_CapsAtMaxPercent(t *testing.T) {
	// GIVEN: A contract last paid on Jan 3, so 28 days before month end
	env := newTestEnv(t)
	env.seedDefaultRule(t, "co-1")
	ctx := context.Background()
	require.NoError(t, env.store.SaveContract(ctx, latefee.Contract{
		ID: "con-1", CompanyID: "co-1", CustomerID: "cust-1", Number: "C-1",
		MonthlyAmount: dec("1000"), Status: latefee.ContractActive,
	}))
	require.NoError(t, env.store.SavePayment(ctx, latefee.Payment{
		ID: "pay-1", CompanyID: "co-1", CustomerID: "cust-1", Number: "P-1", ContractID: "con-1",
		Amount: dec("1000"), PaymentDate: day(2025, 1, 3), CreatedAt: day(2025, 1, 3),
		Status: latefee.PaymentCompleted,
	}))

	rec := env.do(t, http.MethodGet, "/api/contracts/con-1/late-fee", "")

	// THEN: 1.5% x 28 = 42% is capped at 20% of the monthly amount
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[LateFeeResponse](t, rec)
	require.True(t, resp.Applies)
	assert.Equal(t, 28, resp.Calculation.DaysOverdue)
	assert.Equal(t, "2025-01-31", resp.Calculation.DueDate)
	assert.True(t, resp.Calculation.LateFeeAmount.Equal(dec("200")))
}

func TestGetPaymentLateFee_FixedRule(t *testing.T) {
	// GIVEN: A payment rule and a payment recorded 4 days after its date
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/companies/co-1/rules", `{
		"name": "Late recording",
		"rule_type": "fixed",
		"fee_structure": {"daily_amount": "5"},
		"applies_to_payments": true
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.NoError(t, env.store.SavePayment(context.Background(), latefee.Payment{
		ID: "pay-1", CompanyID: "co-1", CustomerID: "cust-1", Number: "P-1",
		Amount: dec("300"), PaymentDate: day(2025, 1, 1), CreatedAt: day(2025, 1, 5),
		Status: latefee.PaymentCompleted,
	}))

	// WHEN
	rec = env.do(t, http.MethodGet, "/api/payments/pay-1/late-fee", "")

	// THEN: 5 per day for 4 days
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[LateFeeResponse](t, rec)
	require.True(t, resp.Applies)
	assert.True(t, resp.Calculation.LateFeeAmount.Equal(dec("20")))
	assert.Equal(t, "payment", resp.Calculation.TargetType)
}

func TestGetInvoiceLateFee_DataAccessFailureIs502(t *testing.T) {
	// GIVEN: A store whose invoice read fails
	mem := memstore.NewMemory()
	mem.FailOn(memstore.OpGetInvoice, errors.New("connection reset"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(latefee.NewEngine(mem, latefee.Options{Logger: logger}), mem, mem, logger)
	router := NewRouter(h, RouterConfig{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/invoices/inv-1/late-fee", nil))

	// THEN: The failure is surfaced, not swallowed as "no fee"
	require.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "data_access", resp.Code)
	assert.Contains(t, resp.Details, "connection reset")
}

// =============================================================================
// COMPANY SCAN ENDPOINTS
// =============================================================================

func TestListInvoiceLateFees_ScansOverdueOnly(t *testing.T) {
	// GIVEN: Two unpaid invoices past due, one paid, one partial
	env := newTestEnv(t)
	env.seedDefaultRule(t, "co-1")
	env.seedInvoice(t, "inv-b", "co-1", day(2025, 1, 10), "500", latefee.InvoiceUnpaid)
	env.seedInvoice(t, "inv-a", "co-1", day(2025, 1, 1), "1000", latefee.InvoiceUnpaid)
	env.seedInvoice(t, "inv-paid", "co-1", day(2025, 1, 1), "1000", latefee.InvoicePaid)
	env.seedInvoice(t, "inv-part", "co-1", day(2025, 1, 1), "1000", latefee.InvoicePartial)

	// WHEN: Scanning as of Jan 20
	rec := env.do(t, http.MethodGet, "/api/companies/co-1/late-fees/invoices?as_of=2025-01-20", "")

	// THEN: Unpaid ones only, earliest due first
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	assert.Equal(t, "2025-01-20", resp.AsOf)
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "inv-a", resp.Calculations[0].TargetID)
	assert.Equal(t, "inv-b", resp.Calculations[1].TargetID)
	assert.Empty(t, resp.Failures)

	// AND: include_partial widens the scan
	rec = env.do(t, http.MethodGet, "/api/companies/co-1/late-fees/invoices?as_of=2025-01-20&include_partial=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[BatchResponse](t, rec).Count)

	// AND: start drops invoices due before it
	rec = env.do(t, http.MethodGet, "/api/companies/co-1/late-fees/invoices?as_of=2025-01-20&start=2025-01-05", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[BatchResponse](t, rec)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "inv-b", resp.Calculations[0].TargetID)
}

func TestListInvoiceLateFees_RejectsBadFlag(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/companies/co-1/late-fees/invoices?include_partial=maybe", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLateFees_DefaultAsOfIsEngineClock(t *testing.T) {
	// GIVEN: An engine clock fixed at Mar 1 and no as_of parameter
	env := newTestEnv(t)
	env.seedDefaultRule(t, "co-1")
	env.seedInvoice(t, "inv-a", "co-1", day(2025, 1, 1), "1000", latefee.InvoiceUnpaid)

	for _, path := range []string{
		"/api/companies/co-1/late-fees/invoices",
		"/api/companies/co-1/late-fees/contracts",
	} {
		// WHEN: Scanning without a date
		rec := env.do(t, http.MethodGet, path, "")

		// THEN: The echoed date is the one the engine scanned at
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "2025-03-01", decode[BatchResponse](t, rec).AsOf, path)
	}
}

func TestGetLateFeeSummary_EmptyCompany(t *testing.T) {
	// GIVEN: A company with nothing overdue
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/companies/co-1/late-fees/summary?end=2025-02-01", "")

	// THEN: Zero totals and a zero average
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SummaryResponse](t, rec)
	assert.Equal(t, 0, resp.FeeCount)
	assert.True(t, resp.TotalFees.IsZero())
	assert.True(t, resp.AverageFee.IsZero())
	assert.Equal(t, "2025-02-01", resp.Period.EndDate)
	assert.Empty(t, resp.Period.StartDate)
	assert.NotNil(t, resp.Calculations)
}

func TestGetLateFeeSummary_AveragesInvoiceFees(t *testing.T) {
	// GIVEN: Two invoices due Jan 1
	env := newTestEnv(t)
	env.seedDefaultRule(t, "co-1")
	env.seedInvoice(t, "inv-1", "co-1", day(2025, 1, 1), "1000", latefee.InvoiceUnpaid)
	env.seedInvoice(t, "inv-2", "co-1", day(2025, 1, 1), "2000", latefee.InvoiceUnpaid)

	rec := env.do(t, http.MethodGet, "/api/companies/co-1/late-fees/summary?end=2025-01-11&targets=invoice", "")

	// THEN: Both at 10 days: 150 and 300, average 225
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SummaryResponse](t, rec)
	assert.Equal(t, 2, resp.FeeCount)
	assert.True(t, resp.TotalFees.Equal(dec("450")), "total = %s", resp.TotalFees)
	assert.True(t, resp.AverageFee.Equal(dec("225")), "average = %s", resp.AverageFee)
}

func TestGetLateFeeSummary_RejectsTargets(t *testing.T) {
	env := newTestEnv(t)

	tests := []string{"payment", "invoice,refund"}
	for _, targets := range tests {
		t.Run(targets, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/companies/co-1/late-fees/summary?targets="+targets, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := env.do(t, http.MethodGet, "/api/companies/co-1/late-fees/summary?start=2025-02-01&end=2025-01-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

func TestCreateRules_NewRuleTakesEffectImmediately(t *testing.T) {
	// GIVEN: A fee computed (and rules cached) under the default rule
	env := newTestEnv(t)
	env.seedDefaultRule(t, "co-1")
	env.seedInvoice(t, "inv-1", "co-1", day(2025, 1, 1), "1000", latefee.InvoiceUnpaid)

	rec := env.do(t, http.MethodGet, "/api/invoices/inv-1/late-fee?as_of=2025-01-11", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, latefee.DefaultRuleName, decode[LateFeeResponse](t, rec).Calculation.RuleName)

	// WHEN: Seeding a newer invoice rule
	rec = env.do(t, http.MethodPost, "/api/companies/co-1/rules", `[{
		"name": "Flat",
		"rule_type": "fixed",
		"fee_structure": {"daily_amount": "2"},
		"applies_to_invoices": true,
		"created_at": "2030-01-01T00:00:00Z"
	}]`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: The cache was evicted and the newest rule wins
	rec = env.do(t, http.MethodGet, "/api/invoices/inv-1/late-fee?as_of=2025-01-11", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[LateFeeResponse](t, rec)
	assert.Equal(t, "Flat", resp.Calculation.RuleName)
	assert.True(t, resp.Calculation.LateFeeAmount.Equal(dec("20")))

	// AND: Both rules are listed
	rec = env.do(t, http.MethodGet, "/api/companies/co-1/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Rules []map[string]any `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Rules, 2)
}

func TestCreateRules_RejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"name": `},
		{"mismatched structure", `{"rule_type": "fixed", "fee_structure": {"daily_rate_percent": "1"}}`},
		{"other company", `{"company_id": "co-2", "rule_type": "fixed", "fee_structure": {"daily_amount": "1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/companies/co-1/rules", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	// Nothing was saved
	rules, err := env.store.ListRules(context.Background(), "co-1")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestCreateDefaultRule_ReturnsSavedRule(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/companies/co-9/rules/default", "")

	require.Equal(t, http.StatusCreated, rec.Code)
	var rule map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.NotEmpty(t, rule["id"])
	assert.Equal(t, "co-9", rule["company_id"])
	assert.Equal(t, "percentage", rule["rule_type"])
	assert.Equal(t, float64(8), rule["minimum_overdue_days"])
}

// =============================================================================
// CACHE, SCAN RUN AND HEALTH ENDPOINTS
// =============================================================================

func TestClearCache_Endpoints(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/cache", "").Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/companies/co-1/cache", "").Code)
}

func TestTriggerScan_DisabledWithoutScanner(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/scan-runs", "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "scans_disabled", decode[ErrorResponse](t, rec).Code)
}

func TestTriggerScan_RecordsRuns(t *testing.T) {
	// GIVEN: A scanner wired to the same store
	env := newTestEnv(t)
	env.seedDefaultRule(t, "co-1")
	env.seedInvoice(t, "inv-1", "co-1", day(2025, 1, 1), "1000", latefee.InvoiceUnpaid)
	env.handler.Scanner = NewScanScheduler(env.engine, env.store, ScanConfig{Schedule: "0 2 * * *"}, env.handler.Logger)

	// WHEN: Triggering a scan
	rec := env.do(t, http.MethodPost, "/api/scan-runs", "")

	// THEN: One completed run for the one company
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var triggered struct {
		Runs []ScanRunDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &triggered))
	require.Len(t, triggered.Runs, 1)
	assert.Equal(t, "completed", triggered.Runs[0].Status)
	assert.Equal(t, 1, triggered.Runs[0].FeeCount)

	// AND: It is listed in the audit trail
	rec = env.do(t, http.MethodGet, "/api/scan-runs?company_id=co-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Runs []ScanRunDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Runs, 1)
	assert.Equal(t, triggered.Runs[0].ID, listed.Runs[0].ID)
	assert.NotEmpty(t, listed.Runs[0].CompletedAt)
}

func TestListScanRuns_RejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)

	for _, limit := range []string{"abc", "0", "-3"} {
		rec := env.do(t, http.MethodGet, "/api/scan-runs?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "latefee_up 1\n")
	})
	router := NewRouter(env.handler, RouterConfig{Metrics: metrics, Timeout: time.Second})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "latefee_up 1")

	// Without a metrics handler the route is absent
	rec = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
