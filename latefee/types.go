/*
Package latefee provides the late-fee computation engine.

PURPOSE:
  Decides whether a late fee applies to an overdue invoice, contract
  installment or payment and, if it does, how much. Rules are tenant-scoped
  (one rule set per company) and come in three algorithms: percentage of
  principal, fixed amount per day, and tiered by day range.

KEY CONCEPTS IN THIS FILE (types.go):
  - TargetType: What kind of record a fee is computed for
  - Invoice/Contract/Payment: Read-only source records
  - Calculation: One fee determination for one target
  - Summary: Roll-up of calculations for one tenant and window

PIPELINE:
  target id -> Resolver (days overdue + principal)
            -> RuleStore (cache-first tenant rules)
            -> Selector (first applicable rule)
            -> FeeCalculator (capped fee)
            -> Calculation

DESIGN PRINCIPLES:
  1. Read-only: The engine never writes to source records
  2. Precision: Money is decimal.Decimal, never float64
  3. Absence is not failure: "no fee applies" is a nil Calculation
  4. Auditability: Every Calculation names the rule that produced it

SEE ALSO:
  - rule.go: LateFeeRule and fee structures
  - engine.go: Entry points
  - batch.go: Company-wide scans and summaries
*/
package latefee

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TARGET TYPES
// =============================================================================

// TargetType identifies the kind of record a fee is computed for.
type TargetType string

const (
	TargetInvoice  TargetType = "invoice"
	TargetContract TargetType = "contract"
	TargetPayment  TargetType = "payment"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetInvoice, TargetContract, TargetPayment:
		return true
	}
	return false
}

// =============================================================================
// SOURCE RECORDS - Read-only views of data owned elsewhere
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// InvoiceStatus is the invoice's payment status, used by the overdue scan.
type InvoiceStatus string

const (
	InvoiceUnpaid  InvoiceStatus = "unpaid"
	InvoicePartial InvoiceStatus = "partial"
	InvoiceOverdue InvoiceStatus = "overdue"
	InvoicePaid    InvoiceStatus = "paid"
)

type ContractStatus string

const (
	ContractActive      ContractStatus = "active"
	ContractUnderReview ContractStatus = "under_review"
	ContractDraft       ContractStatus = "draft"
	ContractClosed      ContractStatus = "closed"
)

type Invoice struct {
	ID            string
	CompanyID     string
	CustomerID    string
	Number        string
	DueDate       time.Time
	TotalAmount   decimal.Decimal
	PaymentStatus InvoiceStatus
}

type Contract struct {
	ID            string
	CompanyID     string
	CustomerID    string
	Number        string
	MonthlyAmount decimal.Decimal
	Status        ContractStatus
}

// Payment is a recorded payment. InvoiceID or ContractID links it to the
// target it settles; PaymentDate is the declared (expected) date and
// CreatedAt is when it was actually recorded.
type Payment struct {
	ID          string
	CompanyID   string
	CustomerID  string
	Number      string
	InvoiceID   string
	ContractID  string
	Amount      decimal.Decimal
	PaymentDate time.Time
	CreatedAt   time.Time
	Status      PaymentStatus
}

// =============================================================================
// CALCULATION - One fee determination for one target
// =============================================================================

// Calculation is produced on demand and never stored by the engine.
// LateFeeAmount is always the output of exactly one algorithm on exactly
// one rule.
type Calculation struct {
	TargetID     string
	TargetType   TargetType
	TargetNumber string
	CustomerID   string
	CompanyID    string

	DueDate     time.Time
	PaymentDate time.Time
	DaysOverdue int

	OriginalAmount decimal.Decimal
	LateFeeAmount  decimal.Decimal
	TotalAmount    decimal.Decimal

	RuleID   string
	RuleName string

	CalculatedAt time.Time
}

// =============================================================================
// SUMMARY - Aggregation over a batch
// =============================================================================

type Period struct {
	StartDate time.Time
	EndDate   time.Time
}

type Summary struct {
	CompanyID    string
	TotalFees    decimal.Decimal
	FeeCount     int
	AverageFee   decimal.Decimal
	Calculations []Calculation
	Period       Period
	Failures     []RowError
}

// Summarize rolls calculations up into totals. An empty set yields zero
// totals and a zero average.
func Summarize(companyID string, calcs []Calculation, period Period) Summary {
	total := decimal.Zero
	for _, c := range calcs {
		total = total.Add(c.LateFeeAmount)
	}

	avg := decimal.Zero
	if len(calcs) > 0 {
		avg = total.Div(decimal.NewFromInt(int64(len(calcs))))
	}

	if calcs == nil {
		calcs = []Calculation{}
	}
	return Summary{
		CompanyID:    companyID,
		TotalFees:    total,
		FeeCount:     len(calcs),
		AverageFee:   avg,
		Calculations: calcs,
		Period:       period,
	}
}
