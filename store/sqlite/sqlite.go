/*
Package sqlite provides a SQLite-backed latefee.DataSource.

PURPOSE:
  Implements the engine's read interface (latefee.DataSource) over SQLite,
  plus the seeding writes the server and tests need and the scan-run
  audit table the scheduler writes. In production the same queries run
  against PostgreSQL (store/postgres) with dialect changes only.

INTERFACES IMPLEMENTED:
  latefee.DataSource: Rules, targets, latest payment, overdue scans

KEY TABLES:
  late_fee_rules: Tenant rules; fee structure kept as JSON (factory encoding)
  invoices:       Read-only source records (seeded)
  contracts:      Read-only source records (seeded)
  payments:       Read-only source records (seeded)
  scan_runs:      Audit of scheduled company scans

INDEXES:
  - idx_rules_company_created:   GetRules (newest first), hot path on cache miss
  - idx_invoices_company_due:    Overdue invoice scan
  - idx_payments_invoice_date:   Latest completed payment per invoice
  - idx_payments_contract_date:  Latest completed payment per contract

TIME COLUMNS:
  Stored as RFC3339 text in UTC, so string comparison orders correctly.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/latefee.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := latefee.NewEngine(store, latefee.Options{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - latefee/store.go: Interface definitions
  - latefee/store/memory.go: In-memory implementation for testing
  - factory/rule.go: Fee structure JSON encoding
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/latefee-engine/factory"
	"github.com/warp/latefee-engine/latefee"
)

// Store implements latefee.DataSource using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every new connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Late fee rules (tenant scoped)
	CREATE TABLE IF NOT EXISTS late_fee_rules (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		name_localized TEXT,
		rule_type TEXT NOT NULL CHECK (rule_type IN ('percentage', 'fixed', 'tiered')),
		fee_structure_json TEXT NOT NULL,
		grace_period_days INTEGER NOT NULL DEFAULT 0,
		minimum_overdue_days INTEGER NOT NULL DEFAULT 0,
		applies_to_invoices INTEGER NOT NULL DEFAULT 0,
		applies_to_contracts INTEGER NOT NULL DEFAULT 0,
		applies_to_payments INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_company_created
		ON late_fee_rules(company_id, created_at DESC);

	-- Invoices
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		number TEXT NOT NULL,
		due_date TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		payment_status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_company_due
		ON invoices(company_id, due_date);

	-- Contracts
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		number TEXT NOT NULL,
		monthly_amount TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_company_status
		ON contracts(company_id, status);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		number TEXT NOT NULL,
		invoice_id TEXT,
		contract_id TEXT,
		amount TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice_date
		ON payments(invoice_id, status, payment_date DESC);
	CREATE INDEX IF NOT EXISTS idx_payments_contract_date
		ON payments(contract_id, status, payment_date DESC);

	-- Scan runs (for scheduled company scans)
	CREATE TABLE IF NOT EXISTS scan_runs (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		status TEXT NOT NULL,
		fee_count INTEGER NOT NULL DEFAULT 0,
		total_fees TEXT NOT NULL DEFAULT '0',
		failure_count INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_scan_runs_company
		ON scan_runs(company_id, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, company_id, name, name_localized, rule_type, fee_structure_json,
	grace_period_days, minimum_overdue_days,
	applies_to_invoices, applies_to_contracts, applies_to_payments,
	enabled, priority, created_at`

// SaveRule validates and upserts a rule. An empty ID gets a UUID and a
// zero CreatedAt is set to now.
func (s *Store) SaveRule(ctx context.Context, rule latefee.LateFeeRule) (latefee.LateFeeRule, error) {
	if err := rule.Validate(); err != nil {
		return latefee.LateFeeRule{}, err
	}
	feeJSON, err := factory.EncodeFeeStructure(rule.RuleType, rule.FeeStructure)
	if err != nil {
		return latefee.LateFeeRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO late_fee_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			name_localized = excluded.name_localized,
			rule_type = excluded.rule_type,
			fee_structure_json = excluded.fee_structure_json,
			grace_period_days = excluded.grace_period_days,
			minimum_overdue_days = excluded.minimum_overdue_days,
			applies_to_invoices = excluded.applies_to_invoices,
			applies_to_contracts = excluded.applies_to_contracts,
			applies_to_payments = excluded.applies_to_payments,
			enabled = excluded.enabled,
			priority = excluded.priority
	`

	_, err = s.db.ExecContext(ctx, query,
		rule.ID, rule.CompanyID, rule.Name, nullString(rule.NameLocalized),
		string(rule.RuleType), string(feeJSON),
		rule.GracePeriodDays, rule.MinimumOverdueDays,
		rule.AppliesToInvoices, rule.AppliesToContracts, rule.AppliesToPayments,
		rule.Enabled, rule.Priority, formatTime(rule.CreatedAt),
	)
	if err != nil {
		return latefee.LateFeeRule{}, fmt.Errorf("failed to save rule: %w", err)
	}
	return rule, nil
}

// GetRules returns the company's enabled rules, newest first.
func (s *Store) GetRules(ctx context.Context, companyID string) ([]latefee.LateFeeRule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM late_fee_rules
		WHERE company_id = ? AND enabled = 1
		ORDER BY created_at DESC, rowid DESC
	`, companyID)
}

// ListRules returns every rule of the company, disabled ones included.
func (s *Store) ListRules(ctx context.Context, companyID string) ([]latefee.LateFeeRule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM late_fee_rules
		WHERE company_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, companyID)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]latefee.LateFeeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []latefee.LateFeeRule
	for rows.Next() {
		var r latefee.LateFeeRule
		var nameLocalized sql.NullString
		var ruleType, feeJSON, createdAt string
		if err := rows.Scan(
			&r.ID, &r.CompanyID, &r.Name, &nameLocalized, &ruleType, &feeJSON,
			&r.GracePeriodDays, &r.MinimumOverdueDays,
			&r.AppliesToInvoices, &r.AppliesToContracts, &r.AppliesToPayments,
			&r.Enabled, &r.Priority, &createdAt,
		); err != nil {
			return nil, err
		}

		r.NameLocalized = nameLocalized.String
		r.RuleType = latefee.RuleType(ruleType)
		r.CreatedAt = parseTime(createdAt)
		r.FeeStructure, err = factory.DecodeFeeStructure(r.RuleType, []byte(feeJSON))
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// SOURCE RECORDS - Seeding writes
// =============================================================================

func (s *Store) SaveInvoice(ctx context.Context, inv latefee.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO invoices (id, company_id, customer_id, number, due_date, total_amount, payment_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			due_date = excluded.due_date,
			total_amount = excluded.total_amount,
			payment_status = excluded.payment_status
	`
	_, err := s.db.ExecContext(ctx, query,
		inv.ID, inv.CompanyID, inv.CustomerID, inv.Number,
		formatTime(inv.DueDate), inv.TotalAmount.String(), string(inv.PaymentStatus),
	)
	return err
}

func (s *Store) SaveContract(ctx context.Context, c latefee.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO contracts (id, company_id, customer_id, number, monthly_amount, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			monthly_amount = excluded.monthly_amount,
			status = excluded.status
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.CompanyID, c.CustomerID, c.Number, c.MonthlyAmount.String(), string(c.Status),
	)
	return err
}

func (s *Store) SavePayment(ctx context.Context, p latefee.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO payments (id, company_id, customer_id, number, invoice_id, contract_id,
			amount, payment_date, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			payment_date = excluded.payment_date,
			status = excluded.status
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.CompanyID, p.CustomerID, p.Number,
		nullString(p.InvoiceID), nullString(p.ContractID),
		p.Amount.String(), formatTime(p.PaymentDate), formatTime(p.CreatedAt), string(p.Status),
	)
	return err
}

// =============================================================================
// SOURCE RECORDS - latefee.DataSource reads
// =============================================================================

const (
	invoiceColumns  = "id, company_id, customer_id, number, due_date, total_amount, payment_status"
	contractColumns = "id, company_id, customer_id, number, monthly_amount, status"
	paymentColumns  = `id, company_id, customer_id, number, invoice_id, contract_id,
		amount, payment_date, created_at, status`
)

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*latefee.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = ?", id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &latefee.NotFoundError{Kind: "invoice", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) GetContract(ctx context.Context, id string) (*latefee.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+contractColumns+" FROM contracts WHERE id = ?", id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &latefee.NotFoundError{Kind: "contract", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*latefee.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &latefee.NotFoundError{Kind: "payment", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetLatestCompletedPayment returns (nil, nil) when the target has no
// completed payment.
func (s *Store) GetLatestCompletedPayment(ctx context.Context, targetType latefee.TargetType, targetID string) (*latefee.Payment, error) {
	var column string
	switch targetType {
	case latefee.TargetInvoice:
		column = "invoice_id"
	case latefee.TargetContract:
		column = "contract_id"
	default:
		return nil, fmt.Errorf("no payment history for target type %q", targetType)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE ` + column + ` = ? AND status = 'completed'
		ORDER BY payment_date DESC, created_at DESC
		LIMIT 1
	`
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, targetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListOverdueInvoices(ctx context.Context, companyID string, asOf time.Time, includePartial bool) ([]latefee.Invoice, error) {
	statuses := latefee.OverdueInvoiceStatuses(includePartial)
	args := []any{companyID, formatTime(asOf)}
	for _, st := range statuses {
		args = append(args, string(st))
	}

	query := `
		SELECT ` + invoiceColumns + ` FROM invoices
		WHERE company_id = ? AND due_date < ? AND payment_status IN (` + placeholders(len(statuses)) + `)
		ORDER BY due_date, id
	`

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []latefee.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (s *Store) ListActiveContractsWithPayments(ctx context.Context, companyID string) ([]latefee.Contract, error) {
	args := []any{companyID}
	for _, st := range latefee.ScannableContractStatuses {
		args = append(args, string(st))
	}

	query := `
		SELECT ` + contractColumns + ` FROM contracts c
		WHERE c.company_id = ? AND c.status IN (` + placeholders(len(latefee.ScannableContractStatuses)) + `)
		  AND EXISTS (
			SELECT 1 FROM payments p
			WHERE p.contract_id = c.id AND p.status = 'completed'
		  )
		ORDER BY c.id
	`

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []latefee.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// ListCompanyIDs returns every company that owns rules, invoices or
// contracts.
func (s *Store) ListCompanyIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT company_id FROM late_fee_rules
		UNION SELECT company_id FROM invoices
		UNION SELECT company_id FROM contracts
		ORDER BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanInvoice(row scanner) (latefee.Invoice, error) {
	var inv latefee.Invoice
	var dueDate, total, status string
	if err := row.Scan(&inv.ID, &inv.CompanyID, &inv.CustomerID, &inv.Number, &dueDate, &total, &status); err != nil {
		return latefee.Invoice{}, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return latefee.Invoice{}, fmt.Errorf("invoice %s: bad total_amount: %w", inv.ID, err)
	}
	inv.DueDate = parseTime(dueDate)
	inv.TotalAmount = amount
	inv.PaymentStatus = latefee.InvoiceStatus(status)
	return inv, nil
}

func scanContract(row scanner) (latefee.Contract, error) {
	var c latefee.Contract
	var monthly, status string
	if err := row.Scan(&c.ID, &c.CompanyID, &c.CustomerID, &c.Number, &monthly, &status); err != nil {
		return latefee.Contract{}, err
	}
	amount, err := decimal.NewFromString(monthly)
	if err != nil {
		return latefee.Contract{}, fmt.Errorf("contract %s: bad monthly_amount: %w", c.ID, err)
	}
	c.MonthlyAmount = amount
	c.Status = latefee.ContractStatus(status)
	return c, nil
}

func scanPayment(row scanner) (latefee.Payment, error) {
	var p latefee.Payment
	var invoiceID, contractID sql.NullString
	var amount, paymentDate, createdAt, status string
	if err := row.Scan(
		&p.ID, &p.CompanyID, &p.CustomerID, &p.Number, &invoiceID, &contractID,
		&amount, &paymentDate, &createdAt, &status,
	); err != nil {
		return latefee.Payment{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return latefee.Payment{}, fmt.Errorf("payment %s: bad amount: %w", p.ID, err)
	}
	p.InvoiceID = invoiceID.String
	p.ContractID = contractID.String
	p.Amount = value
	p.PaymentDate = parseTime(paymentDate)
	p.CreatedAt = parseTime(createdAt)
	p.Status = latefee.PaymentStatus(status)
	return p, nil
}

// =============================================================================
// SCAN RUNS STORE
// =============================================================================

// SaveScanRun inserts a run or updates it by ID.
func (s *Store) SaveScanRun(ctx context.Context, r latefee.ScanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO scan_runs (id, company_id, status, fee_count, total_fees,
			failure_count, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			fee_count = excluded.fee_count,
			total_fees = excluded.total_fees,
			failure_count = excluded.failure_count,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		s := formatTime(*r.CompletedAt)
		completedAt = &s
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.CompanyID, string(r.Status), r.FeeCount, r.TotalFees.String(),
		r.FailureCount, nullString(r.Error), formatTime(r.StartedAt), completedAt,
	)
	return err
}

// ListScanRuns returns runs newest first, optionally for one company.
// limit <= 0 means no limit.
func (s *Store) ListScanRuns(ctx context.Context, companyID string, limit int) ([]latefee.ScanRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, company_id, status, fee_count, total_fees, failure_count,
			error, started_at, completed_at
		FROM scan_runs
	`
	var args []any
	if companyID != "" {
		query += " WHERE company_id = ?"
		args = append(args, companyID)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []latefee.ScanRun
	for rows.Next() {
		var r latefee.ScanRun
		var status, totalFees, startedAt string
		var runErr, completedAt sql.NullString
		if err := rows.Scan(
			&r.ID, &r.CompanyID, &status, &r.FeeCount, &totalFees, &r.FailureCount,
			&runErr, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}

		fees, err := decimal.NewFromString(totalFees)
		if err != nil {
			return nil, fmt.Errorf("scan run %s: bad total_fees: %w", r.ID, err)
		}
		r.Status = latefee.ScanRunStatus(status)
		r.TotalFees = fees
		r.Error = runErr.String
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"scan_runs", "payments", "contracts", "invoices", "late_fee_rules"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t.UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
