/*
dto.go - Data Transfer Objects for API responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Response wrappers

MONEY:
  Amounts are decimal.Decimal and serialize as JSON strings ("12.50") so
  clients never see float rounding.

DATES:
  Due and payment dates are YYYY-MM-DD. Timestamps are RFC3339.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON, the rule wire format
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/latefee-engine/latefee"
)

const dateLayout = "2006-01-02"

// =============================================================================
// CALCULATIONS
// =============================================================================

// CalculationDTO represents one late fee calculation.
type CalculationDTO struct {
	TargetID     string `json:"target_id"`
	TargetType   string `json:"target_type"`
	TargetNumber string `json:"target_number"`
	CustomerID   string `json:"customer_id"`
	CompanyID    string `json:"company_id"`

	DueDate     string `json:"due_date"`
	PaymentDate string `json:"payment_date"`
	DaysOverdue int    `json:"days_overdue"`

	OriginalAmount decimal.Decimal `json:"original_amount"`
	LateFeeAmount  decimal.Decimal `json:"late_fee_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`

	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`

	CalculatedAt string `json:"calculated_at"`
}

// LateFeeResponse answers a single-target query. Applies is false when no
// fee applies, in which case Calculation is omitted.
type LateFeeResponse struct {
	Applies     bool            `json:"applies"`
	Calculation *CalculationDTO `json:"calculation,omitempty"`
}

// RowErrorDTO is one batch row that could not be computed.
type RowErrorDTO struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Error      string `json:"error"`
}

// BatchResponse answers a company-wide scan.
type BatchResponse struct {
	CompanyID    string           `json:"company_id"`
	AsOf         string           `json:"as_of"`
	Count        int              `json:"count"`
	Calculations []CalculationDTO `json:"calculations"`
	Failures     []RowErrorDTO    `json:"failures"`
}

// PeriodDTO is the window a summary covers. Start is empty when unbounded.
type PeriodDTO struct {
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date"`
}

// SummaryResponse rolls a company's calculations up into totals.
type SummaryResponse struct {
	CompanyID    string           `json:"company_id"`
	TotalFees    decimal.Decimal  `json:"total_fees"`
	FeeCount     int              `json:"fee_count"`
	AverageFee   decimal.Decimal  `json:"average_fee"`
	Period       PeriodDTO        `json:"period"`
	Calculations []CalculationDTO `json:"calculations"`
	Failures     []RowErrorDTO    `json:"failures"`
}

// =============================================================================
// SCAN RUNS
// =============================================================================

// ScanRunDTO represents one scheduled scan in API responses.
type ScanRunDTO struct {
	ID           string          `json:"id"`
	CompanyID    string          `json:"company_id"`
	Status       string          `json:"status"`
	FeeCount     int             `json:"fee_count"`
	TotalFees    decimal.Decimal `json:"total_fees"`
	FailureCount int             `json:"failure_count"`
	Error        string          `json:"error,omitempty"`
	StartedAt    string          `json:"started_at"`
	CompletedAt  string          `json:"completed_at,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CompanyID   string `json:"company_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCalculationDTO(c latefee.Calculation) CalculationDTO {
	return CalculationDTO{
		TargetID:       c.TargetID,
		TargetType:     string(c.TargetType),
		TargetNumber:   c.TargetNumber,
		CustomerID:     c.CustomerID,
		CompanyID:      c.CompanyID,
		DueDate:        formatDate(c.DueDate),
		PaymentDate:    formatDate(c.PaymentDate),
		DaysOverdue:    c.DaysOverdue,
		OriginalAmount: c.OriginalAmount,
		LateFeeAmount:  c.LateFeeAmount,
		TotalAmount:    c.TotalAmount,
		RuleID:         c.RuleID,
		RuleName:       c.RuleName,
		CalculatedAt:   c.CalculatedAt.UTC().Format(time.RFC3339),
	}
}

func toCalculationDTOs(calcs []latefee.Calculation) []CalculationDTO {
	dtos := make([]CalculationDTO, 0, len(calcs))
	for _, c := range calcs {
		dtos = append(dtos, toCalculationDTO(c))
	}
	return dtos
}

func toRowErrorDTOs(failures []latefee.RowError) []RowErrorDTO {
	dtos := make([]RowErrorDTO, 0, len(failures))
	for _, f := range failures {
		dtos = append(dtos, RowErrorDTO{
			TargetType: string(f.TargetType),
			TargetID:   f.TargetID,
			Error:      f.Err.Error(),
		})
	}
	return dtos
}

func toSummaryResponse(s latefee.Summary) SummaryResponse {
	return SummaryResponse{
		CompanyID:  s.CompanyID,
		TotalFees:  s.TotalFees,
		FeeCount:   s.FeeCount,
		AverageFee: s.AverageFee,
		Period: PeriodDTO{
			StartDate: formatDate(s.Period.StartDate),
			EndDate:   formatDate(s.Period.EndDate),
		},
		Calculations: toCalculationDTOs(s.Calculations),
		Failures:     toRowErrorDTOs(s.Failures),
	}
}

func toScanRunDTO(r latefee.ScanRun) ScanRunDTO {
	dto := ScanRunDTO{
		ID:           r.ID,
		CompanyID:    r.CompanyID,
		Status:       string(r.Status),
		FeeCount:     r.FeeCount,
		TotalFees:    r.TotalFees,
		FailureCount: r.FailureCount,
		Error:        r.Error,
		StartedAt:    r.StartedAt.UTC().Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
