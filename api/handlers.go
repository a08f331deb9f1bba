/*
handlers.go - HTTP API handlers for the late fee engine

PURPOSE:
  Exposes the late fee engine via REST API. Handles HTTP request/response,
  query parsing and JSON serialization, and delegates to the engine.

ENDPOINTS:
  Single target:
    GET    /api/invoices/{id}/late-fee?as_of=YYYY-MM-DD
    GET    /api/contracts/{id}/late-fee?as_of=YYYY-MM-DD
    GET    /api/payments/{id}/late-fee

  Company scans:
    GET    /api/companies/{companyID}/late-fees/invoices?as_of&start&include_partial
    GET    /api/companies/{companyID}/late-fees/contracts?as_of
    GET    /api/companies/{companyID}/late-fees/summary?start&end&include_partial&targets

  Rules (tenant bootstrap):
    GET    /api/companies/{companyID}/rules
    POST   /api/companies/{companyID}/rules          Seed rules from JSON
    POST   /api/companies/{companyID}/rules/default  Seed the default rule

  Cache:
    DELETE /api/cache
    DELETE /api/companies/{companyID}/cache

  Scan runs:
    GET    /api/scan-runs?company_id&limit
    POST   /api/scan-runs                            Scan all companies now

  Scenarios (dev only, see scenarios.go):
    GET    /api/scenarios
    GET    /api/scenarios/current
    POST   /api/scenarios/load

QUERY DATES:
  YYYY-MM-DD (UTC midnight) or RFC3339. Absent means "now".

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid query parameters or rule JSON
  - 502: The data store failed
  - 503: Feature disabled or store unhealthy
  - 500: Internal errors
  A target with no applicable fee (or no record at all) is 200
  {"applies": false}, never 404.

SECURITY NOTE:
  No authentication or authorization. Callers are trusted back-office
  services.

SEE ALSO:
  - dto.go: Response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/latefee-engine/factory"
	"github.com/warp/latefee-engine/latefee"
)

const (
	maxRuleBody          = 1 << 20
	defaultScanRunsLimit = 50
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// RuleAdmin persists tenant rules.
type RuleAdmin interface {
	SaveRule(ctx context.Context, rule latefee.LateFeeRule) (latefee.LateFeeRule, error)
	ListRules(ctx context.Context, companyID string) ([]latefee.LateFeeRule, error)
}

// ScanRunLister reads the scan audit trail.
type ScanRunLister interface {
	ListScanRuns(ctx context.Context, companyID string, limit int) ([]latefee.ScanRun, error)
}

// ScanTrigger starts an out-of-schedule scan.
type ScanTrigger interface {
	RunNow(ctx context.Context) ([]latefee.ScanRun, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine      *latefee.Engine
	Rules       RuleAdmin
	Runs        ScanRunLister
	RuleFactory *factory.RuleFactory
	Logger      *slog.Logger

	// Optional. A nil Scanner disables POST /api/scan-runs, a nil
	// Scenarios disables scenario loading, and a nil Health makes /healthz
	// report ok unconditionally.
	Scanner   ScanTrigger
	Scenarios ScenarioStore
	Health    Pinger

	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the engine and its store.
func NewHandler(engine *latefee.Engine, rules RuleAdmin, runs ScanRunLister, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:      engine,
		Rules:       rules,
		Runs:        runs,
		RuleFactory: factory.NewRuleFactory(),
		Logger:      logger,
	}
}

// =============================================================================
// SINGLE-TARGET ENDPOINTS
// =============================================================================

// GetInvoiceLateFee computes the late fee for one invoice.
// GET /api/invoices/{id}/late-fee
func (h *Handler) GetInvoiceLateFee(w http.ResponseWriter, r *http.Request) {
	asOf, err := optionalDate(r, "as_of")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of", err)
		return
	}

	calc, err := h.Engine.CalculateForInvoice(r.Context(), chi.URLParam(r, "id"), asOf)
	if err != nil {
		h.writeEngineError(w, "Failed to calculate invoice late fee", err)
		return
	}
	writeJSON(w, http.StatusOK, toLateFeeResponse(calc))
}

// GetContractLateFee computes the late fee for one contract.
// GET /api/contracts/{id}/late-fee
func (h *Handler) GetContractLateFee(w http.ResponseWriter, r *http.Request) {
	asOf, err := optionalDate(r, "as_of")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of", err)
		return
	}

	calc, err := h.Engine.CalculateForContract(r.Context(), chi.URLParam(r, "id"), asOf)
	if err != nil {
		h.writeEngineError(w, "Failed to calculate contract late fee", err)
		return
	}
	writeJSON(w, http.StatusOK, toLateFeeResponse(calc))
}

// GetPaymentLateFee computes the late fee for a late-recorded payment.
// GET /api/payments/{id}/late-fee
func (h *Handler) GetPaymentLateFee(w http.ResponseWriter, r *http.Request) {
	calc, err := h.Engine.CalculateForPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, "Failed to calculate payment late fee", err)
		return
	}
	writeJSON(w, http.StatusOK, toLateFeeResponse(calc))
}

func toLateFeeResponse(calc *latefee.Calculation) LateFeeResponse {
	if calc == nil {
		return LateFeeResponse{Applies: false}
	}
	dto := toCalculationDTO(*calc)
	return LateFeeResponse{Applies: true, Calculation: &dto}
}

// =============================================================================
// COMPANY SCAN ENDPOINTS
// =============================================================================

// ListInvoiceLateFees scans a company's overdue invoices.
// GET /api/companies/{companyID}/late-fees/invoices
func (h *Handler) ListInvoiceLateFees(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	opts, err := batchOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	result, err := h.Engine.CalculateForAllOverdueInvoices(r.Context(), companyID, opts)
	if err != nil {
		h.writeEngineError(w, "Failed to scan overdue invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(companyID, result))
}

// ListContractLateFees scans a company's paying contracts.
// GET /api/companies/{companyID}/late-fees/contracts
func (h *Handler) ListContractLateFees(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	asOf, err := dateParam(r, "as_of")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of", err)
		return
	}
	opts := latefee.BatchOptions{AsOf: asOf}

	result, err := h.Engine.CalculateForAllOverdueContracts(r.Context(), companyID, opts)
	if err != nil {
		h.writeEngineError(w, "Failed to scan contracts", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(companyID, result))
}

// GetLateFeeSummary rolls a company's late fees up into totals.
// GET /api/companies/{companyID}/late-fees/summary
func (h *Handler) GetLateFeeSummary(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	opts, err := summaryOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	summary, err := h.Engine.BuildSummary(r.Context(), companyID, opts)
	if err != nil {
		h.writeEngineError(w, "Failed to build late fee summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(*summary))
}

func toBatchResponse(companyID string, result *latefee.BatchResult) BatchResponse {
	return BatchResponse{
		CompanyID:    companyID,
		AsOf:         formatDate(result.AsOf),
		Count:        len(result.Calculations),
		Calculations: toCalculationDTOs(result.Calculations),
		Failures:     toRowErrorDTOs(result.Failures),
	}
}

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

// ListRules returns every rule of a company, disabled ones included.
// GET /api/companies/{companyID}/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Rules.ListRules(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		h.writeEngineError(w, "Failed to list rules", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": h.toRuleJSONs(rules)})
}

// CreateRules seeds one rule object or an array of rules. Rules without
// a company_id are assigned to the URL's company.
// POST /api/companies/{companyID}/rules
func (h *Handler) CreateRules(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRuleBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	rules, err := h.RuleFactory.ParseRulesFor(companyID, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule JSON", err)
		return
	}

	saved, err := h.saveRules(r.Context(), companyID, rules)
	if err != nil {
		h.writeEngineError(w, "Failed to save rules", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rules": h.toRuleJSONs(saved)})
}

// CreateDefaultRule seeds the baseline rule for a company.
// POST /api/companies/{companyID}/rules/default
func (h *Handler) CreateDefaultRule(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	saved, err := h.saveRules(r.Context(), companyID, []latefee.LateFeeRule{latefee.DefaultRule(companyID)})
	if err != nil {
		h.writeEngineError(w, "Failed to save default rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.RuleFactory.ToJSON(saved[0]))
}

// saveRules persists rules then evicts the company's cached rules so the
// next calculation sees them.
func (h *Handler) saveRules(ctx context.Context, companyID string, rules []latefee.LateFeeRule) ([]latefee.LateFeeRule, error) {
	saved := make([]latefee.LateFeeRule, 0, len(rules))
	for _, rule := range rules {
		s, err := h.Rules.SaveRule(ctx, rule)
		if err != nil {
			return nil, err
		}
		saved = append(saved, s)
	}

	if err := h.Engine.ClearCache(ctx, companyID); err != nil {
		h.Logger.Warn("failed to evict rule cache", "company_id", companyID, "error", err)
	}
	h.Logger.Info("rules saved", "company_id", companyID, "count", len(saved))
	return saved, nil
}

func (h *Handler) toRuleJSONs(rules []latefee.LateFeeRule) []factory.RuleJSON {
	out := make([]factory.RuleJSON, 0, len(rules))
	for _, rule := range rules {
		out = append(out, h.RuleFactory.ToJSON(rule))
	}
	return out
}

// =============================================================================
// CACHE ENDPOINTS
// =============================================================================

// ClearAllCache evicts every company's cached rules.
// DELETE /api/cache
func (h *Handler) ClearAllCache(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.ClearCache(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCompanyCache evicts one company's cached rules.
// DELETE /api/companies/{companyID}/cache
func (h *Handler) ClearCompanyCache(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.ClearCache(r.Context(), chi.URLParam(r, "companyID")); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SCAN RUN ENDPOINTS
// =============================================================================

// ListScanRuns returns scan history, newest first.
// GET /api/scan-runs
func (h *Handler) ListScanRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultScanRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", fmt.Errorf("limit must be a positive integer, got %q", v))
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListScanRuns(r.Context(), r.URL.Query().Get("company_id"), limit)
	if err != nil {
		h.writeEngineError(w, "Failed to list scan runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toScanRunDTOs(runs)})
}

// TriggerScan scans every company immediately.
// POST /api/scan-runs
func (h *Handler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	if h.Scanner == nil {
		writeErrorCode(w, http.StatusServiceUnavailable, "Scheduled scans are disabled", "scans_disabled", nil)
		return
	}

	runs, err := h.Scanner.RunNow(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to run scan", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toScanRunDTOs(runs)})
}

func toScanRunDTOs(runs []latefee.ScanRun) []ScanRunDTO {
	dtos := make([]ScanRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toScanRunDTO(run))
	}
	return dtos
}

// Healthz reports whether the store is reachable.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// QUERY PARSING
// =============================================================================

// dateParam parses a date query parameter. Absent yields the zero time.
func dateParam(r *http.Request, name string) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD or RFC3339, got %q", name, v)
	}
	return t, nil
}

func optionalDate(r *http.Request, name string) (*time.Time, error) {
	t, err := dateParam(r, name)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", name, v)
	}
	return b, nil
}

func batchOptions(r *http.Request) (latefee.BatchOptions, error) {
	var opts latefee.BatchOptions
	var err error

	if opts.AsOf, err = dateParam(r, "as_of"); err != nil {
		return opts, err
	}
	if opts.StartDate, err = dateParam(r, "start"); err != nil {
		return opts, err
	}
	if opts.IncludePartial, err = boolParam(r, "include_partial"); err != nil {
		return opts, err
	}
	return opts, nil
}

func summaryOptions(r *http.Request) (latefee.SummaryOptions, error) {
	var opts latefee.SummaryOptions
	var err error

	if opts.StartDate, err = dateParam(r, "start"); err != nil {
		return opts, err
	}
	if opts.EndDate, err = dateParam(r, "end"); err != nil {
		return opts, err
	}
	if !opts.StartDate.IsZero() && !opts.EndDate.IsZero() && opts.EndDate.Before(opts.StartDate) {
		return opts, errors.New("end must not be before start")
	}
	if opts.IncludePartial, err = boolParam(r, "include_partial"); err != nil {
		return opts, err
	}
	if opts.Targets, err = parseTargets(r.URL.Query().Get("targets")); err != nil {
		return opts, err
	}
	return opts, nil
}

// parseTargets reads a comma-separated target list. Payments have no
// company-wide scan, so they are rejected here.
func parseTargets(v string) ([]latefee.TargetType, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var targets []latefee.TargetType
	for _, part := range strings.Split(v, ",") {
		t := latefee.TargetType(strings.TrimSpace(strings.ToLower(part)))
		switch t {
		case latefee.TargetInvoice, latefee.TargetContract:
			targets = append(targets, t)
		case latefee.TargetPayment:
			return nil, errors.New("payment targets cannot be summarized")
		default:
			return nil, fmt.Errorf("unknown target %q", part)
		}
	}
	return targets, nil
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
	writeErrorCode(w, status, message, "", err)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case latefee.IsClientError(err):
		writeErrorCode(w, http.StatusBadRequest, message, "invalid_rule", err)
	case latefee.IsDataAccess(err):
		h.Logger.Error(message, "error", err)
		writeErrorCode(w, http.StatusBadGateway, message, "data_access", err)
	case errors.Is(err, context.DeadlineExceeded):
		writeErrorCode(w, http.StatusGatewayTimeout, message, "timeout", err)
	default:
		h.Logger.Error(message, "error", err)
		writeErrorCode(w, http.StatusInternalServerError, message, "internal", err)
	}
}
