/*
store.go - Read-only data access interfaces

PURPOSE:
  Defines the boundary between the engine and the database that owns
  invoices, contracts, payments and rules. The engine only reads.

KEY INTERFACES:
  RuleSource:  Tenant rule sets (enabled only, newest first)
  DataSource:  RuleSource plus target lookups and the overdue scans

NOT-FOUND CONTRACT:
  Single-record getters return an error satisfying IsNotFound (use
  *NotFoundError) when the record is absent. Any other error is treated
  as a data access failure.

IMPLEMENTATIONS:
  - latefee/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - rulestore.go: Cache-first wrapper around RuleSource
*/
package latefee

import (
	"context"
	"time"
)

// RuleSource loads the enabled rules for one company, newest first.
type RuleSource interface {
	GetRules(ctx context.Context, companyID string) ([]LateFeeRule, error)
}

// DataSource is everything the engine reads.
type DataSource interface {
	RuleSource

	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetContract(ctx context.Context, id string) (*Contract, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)

	// GetLatestCompletedPayment returns the most recent completed payment
	// against an invoice or contract, or (nil, nil) when there is none.
	GetLatestCompletedPayment(ctx context.Context, targetType TargetType, targetID string) (*Payment, error)

	// ListOverdueInvoices returns invoices with DueDate before asOf and
	// status unpaid, or unpaid/partial/overdue when includePartial is set.
	ListOverdueInvoices(ctx context.Context, companyID string, asOf time.Time, includePartial bool) ([]Invoice, error)

	// ListActiveContractsWithPayments returns active or under-review
	// contracts that have at least one completed payment.
	ListActiveContractsWithPayments(ctx context.Context, companyID string) ([]Contract, error)
}

// OverdueInvoiceStatuses returns the statuses an overdue scan matches.
func OverdueInvoiceStatuses(includePartial bool) []InvoiceStatus {
	if includePartial {
		return []InvoiceStatus{InvoiceUnpaid, InvoicePartial, InvoiceOverdue}
	}
	return []InvoiceStatus{InvoiceUnpaid}
}

// ScannableContractStatuses are the contract states the batch scan covers.
var ScannableContractStatuses = []ContractStatus{ContractActive, ContractUnderReview}
