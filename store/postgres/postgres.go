/*
Package postgres provides a PostgreSQL-backed latefee.DataSource.

PURPOSE:
  Same contract as store/sqlite over a pgx connection pool, for
  multi-instance deployments where the invoices, contracts and payments
  already live in PostgreSQL.

DIALECT DIFFERENCES FROM SQLITE:
  - $n placeholders, = ANY($n) for status sets
  - NUMERIC money columns scanned straight into decimal.Decimal
  - TIMESTAMPTZ columns scanned into time.Time
  - fee_structure is JSONB; a seq column breaks created_at ties

CONCURRENCY:
  pgxpool handles connection concurrency; the Store holds no locks.

USAGE:
  pool, err := postgres.NewPool(ctx, postgres.Config{URL: databaseURL})
  store := postgres.New(pool)
  if err := store.Migrate(ctx); err != nil { ... }
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/latefee-engine/factory"
	"github.com/warp/latefee-engine/latefee"
)

// Config holds pool parameters.
type Config struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// NewPool creates a pgxpool.Pool and pings the database before returning.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Store implements latefee.DataSource using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS late_fee_rules (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		name_localized TEXT,
		rule_type TEXT NOT NULL CHECK (rule_type IN ('percentage', 'fixed', 'tiered')),
		fee_structure JSONB NOT NULL,
		grace_period_days INTEGER NOT NULL DEFAULT 0,
		minimum_overdue_days INTEGER NOT NULL DEFAULT 0,
		applies_to_invoices BOOLEAN NOT NULL DEFAULT FALSE,
		applies_to_contracts BOOLEAN NOT NULL DEFAULT FALSE,
		applies_to_payments BOOLEAN NOT NULL DEFAULT FALSE,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_company_created
		ON late_fee_rules(company_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		number TEXT NOT NULL,
		due_date TIMESTAMPTZ NOT NULL,
		total_amount NUMERIC NOT NULL,
		payment_status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_company_due
		ON invoices(company_id, due_date);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		number TEXT NOT NULL,
		monthly_amount NUMERIC NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contracts_company_status
		ON contracts(company_id, status);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		number TEXT NOT NULL,
		invoice_id TEXT,
		contract_id TEXT,
		amount NUMERIC NOT NULL,
		payment_date TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_invoice_date
		ON payments(invoice_id, status, payment_date DESC);
	CREATE INDEX IF NOT EXISTS idx_payments_contract_date
		ON payments(contract_id, status, payment_date DESC);

	CREATE TABLE IF NOT EXISTS scan_runs (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		status TEXT NOT NULL,
		fee_count INTEGER NOT NULL DEFAULT 0,
		total_fees NUMERIC NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_scan_runs_company
		ON scan_runs(company_id, started_at DESC);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, company_id, name, name_localized, rule_type, fee_structure::text,
	grace_period_days, minimum_overdue_days,
	applies_to_invoices, applies_to_contracts, applies_to_payments,
	enabled, priority, created_at`

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

	query := `
		INSERT INTO late_fee_rules (id, company_id, name, name_localized, rule_type, fee_structure,
			grace_period_days, minimum_overdue_days,
			applies_to_invoices, applies_to_contracts, applies_to_payments,
			enabled, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name                 = EXCLUDED.name,
			name_localized       = EXCLUDED.name_localized,
			rule_type            = EXCLUDED.rule_type,
			fee_structure        = EXCLUDED.fee_structure,
			grace_period_days    = EXCLUDED.grace_period_days,
			minimum_overdue_days = EXCLUDED.minimum_overdue_days,
			applies_to_invoices  = EXCLUDED.applies_to_invoices,
			applies_to_contracts = EXCLUDED.applies_to_contracts,
			applies_to_payments  = EXCLUDED.applies_to_payments,
			enabled              = EXCLUDED.enabled,
			priority             = EXCLUDED.priority
	`
	_, err = s.pool.Exec(ctx, query,
		rule.ID, rule.CompanyID, rule.Name, nullable(rule.NameLocalized),
		string(rule.RuleType), string(feeJSON),
		rule.GracePeriodDays, rule.MinimumOverdueDays,
		rule.AppliesToInvoices, rule.AppliesToContracts, rule.AppliesToPayments,
		rule.Enabled, rule.Priority, rule.CreatedAt,
	)
	if err != nil {
		return latefee.LateFeeRule{}, fmt.Errorf("save rule: %w", err)
	}
	return rule, nil
}

func (s *Store) GetRules(ctx context.Context, companyID string) ([]latefee.LateFeeRule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM late_fee_rules
		WHERE company_id = $1 AND enabled
		ORDER BY created_at DESC, seq DESC
	`, companyID)
}

func (s *Store) ListRules(ctx context.Context, companyID string) ([]latefee.LateFeeRule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM late_fee_rules
		WHERE company_id = $1
		ORDER BY created_at DESC, seq DESC
	`, companyID)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]latefee.LateFeeRule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []latefee.LateFeeRule
	for rows.Next() {
		var r latefee.LateFeeRule
		var nameLocalized *string
		var ruleType, feeJSON string
		if err := rows.Scan(
			&r.ID, &r.CompanyID, &r.Name, &nameLocalized, &ruleType, &feeJSON,
			&r.GracePeriodDays, &r.MinimumOverdueDays,
			&r.AppliesToInvoices, &r.AppliesToContracts, &r.AppliesToPayments,
			&r.Enabled, &r.Priority, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if nameLocalized != nil {
			r.NameLocalized = *nameLocalized
		}
		r.RuleType = latefee.RuleType(ruleType)
		r.CreatedAt = r.CreatedAt.UTC()
		r.FeeStructure, err = factory.DecodeFeeStructure(r.RuleType, []byte(feeJSON))
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// =============================================================================
// SOURCE RECORDS
// =============================================================================

const (
	invoiceColumns  = "id, company_id, customer_id, number, due_date, total_amount, payment_status"
	contractColumns = "id, company_id, customer_id, number, monthly_amount, status"
	paymentColumns  = `id, company_id, customer_id, number, invoice_id, contract_id,
		amount, payment_date, created_at, status`
)

func (s *Store) SaveInvoice(ctx context.Context, inv latefee.Invoice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			due_date       = EXCLUDED.due_date,
			total_amount   = EXCLUDED.total_amount,
			payment_status = EXCLUDED.payment_status
	`, inv.ID, inv.CompanyID, inv.CustomerID, inv.Number, inv.DueDate, inv.TotalAmount, string(inv.PaymentStatus))
	if err != nil {
		return fmt.Errorf("save invoice: %w", err)
	}
	return nil
}

func (s *Store) SaveContract(ctx context.Context, c latefee.Contract) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			monthly_amount = EXCLUDED.monthly_amount,
			status         = EXCLUDED.status
	`, c.ID, c.CompanyID, c.CustomerID, c.Number, c.MonthlyAmount, string(c.Status))
	if err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	return nil
}

func (s *Store) SavePayment(ctx context.Context, p latefee.Payment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			amount       = EXCLUDED.amount,
			payment_date = EXCLUDED.payment_date,
			status       = EXCLUDED.status
	`, p.ID, p.CompanyID, p.CustomerID, p.Number, nullable(p.InvoiceID), nullable(p.ContractID),
		p.Amount, p.PaymentDate, p.CreatedAt, string(p.Status))
	if err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*latefee.Invoice, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+invoiceColumns+" FROM invoices WHERE id = $1", id)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &latefee.NotFoundError{Kind: "invoice", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) GetContract(ctx context.Context, id string) (*latefee.Contract, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+contractColumns+" FROM contracts WHERE id = $1", id)
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &latefee.NotFoundError{Kind: "contract", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*latefee.Payment, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &latefee.NotFoundError{Kind: "payment", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

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

	row := s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE `+column+` = $1 AND status = 'completed'
		ORDER BY payment_date DESC, created_at DESC
		LIMIT 1
	`, targetID)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListOverdueInvoices(ctx context.Context, companyID string, asOf time.Time, includePartial bool) ([]latefee.Invoice, error) {
	var statuses []string
	for _, st := range latefee.OverdueInvoiceStatuses(includePartial) {
		statuses = append(statuses, string(st))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE company_id = $1 AND due_date < $2 AND payment_status = ANY($3)
		ORDER BY due_date, id
	`, companyID, asOf, statuses)
	if err != nil {
		return nil, fmt.Errorf("query overdue invoices: %w", err)
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
	var statuses []string
	for _, st := range latefee.ScannableContractStatuses {
		statuses = append(statuses, string(st))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+contractColumns+` FROM contracts c
		WHERE c.company_id = $1 AND c.status = ANY($2)
		  AND EXISTS (
			SELECT 1 FROM payments p
			WHERE p.contract_id = c.id AND p.status = 'completed'
		  )
		ORDER BY c.id
	`, companyID, statuses)
	if err != nil {
		return nil, fmt.Errorf("query active contracts: %w", err)
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

func (s *Store) ListCompanyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT company_id FROM late_fee_rules
		UNION SELECT company_id FROM invoices
		UNION SELECT company_id FROM contracts
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query company ids: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanInvoice(row pgx.Row) (latefee.Invoice, error) {
	var inv latefee.Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.CompanyID, &inv.CustomerID, &inv.Number, &inv.DueDate, &inv.TotalAmount, &status)
	if err != nil {
		return latefee.Invoice{}, err
	}
	inv.DueDate = inv.DueDate.UTC()
	inv.PaymentStatus = latefee.InvoiceStatus(status)
	return inv, nil
}

func scanContract(row pgx.Row) (latefee.Contract, error) {
	var c latefee.Contract
	var status string
	if err := row.Scan(&c.ID, &c.CompanyID, &c.CustomerID, &c.Number, &c.MonthlyAmount, &status); err != nil {
		return latefee.Contract{}, err
	}
	c.Status = latefee.ContractStatus(status)
	return c, nil
}

func scanPayment(row pgx.Row) (latefee.Payment, error) {
	var p latefee.Payment
	var invoiceID, contractID *string
	var status string
	if err := row.Scan(
		&p.ID, &p.CompanyID, &p.CustomerID, &p.Number, &invoiceID, &contractID,
		&p.Amount, &p.PaymentDate, &p.CreatedAt, &status,
	); err != nil {
		return latefee.Payment{}, err
	}
	if invoiceID != nil {
		p.InvoiceID = *invoiceID
	}
	if contractID != nil {
		p.ContractID = *contractID
	}
	p.PaymentDate = p.PaymentDate.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.Status = latefee.PaymentStatus(status)
	return p, nil
}

// =============================================================================
// SCAN RUNS
// =============================================================================

func (s *Store) SaveScanRun(ctx context.Context, r latefee.ScanRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_runs (id, company_id, status, fee_count, total_fees,
			failure_count, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			fee_count     = EXCLUDED.fee_count,
			total_fees    = EXCLUDED.total_fees,
			failure_count = EXCLUDED.failure_count,
			error         = EXCLUDED.error,
			completed_at  = EXCLUDED.completed_at
	`, r.ID, r.CompanyID, string(r.Status), r.FeeCount, r.TotalFees,
		r.FailureCount, nullable(r.Error), r.StartedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("save scan run: %w", err)
	}
	return nil
}

func (s *Store) ListScanRuns(ctx context.Context, companyID string, limit int) ([]latefee.ScanRun, error) {
	query := `
		SELECT id, company_id, status, fee_count, total_fees, failure_count,
			error, started_at, completed_at
		FROM scan_runs
		WHERE ($1 = '' OR company_id = $1)
		ORDER BY started_at DESC
	`
	args := []any{companyID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scan runs: %w", err)
	}
	defer rows.Close()

	var runs []latefee.ScanRun
	for rows.Next() {
		var r latefee.ScanRun
		var status string
		var runErr *string
		var totalFees decimal.Decimal
		if err := rows.Scan(
			&r.ID, &r.CompanyID, &status, &r.FeeCount, &totalFees, &r.FailureCount,
			&runErr, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = latefee.ScanRunStatus(status)
		r.TotalFees = totalFees
		if runErr != nil {
			r.Error = *runErr
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Reset truncates every table. Development and demo use only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE scan_runs, payments, contracts, invoices, late_fee_rules")
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
