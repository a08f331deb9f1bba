/*
rule.go - Late fee rule definitions

PURPOSE:
  A LateFeeRule is a tenant policy: which targets it applies to, how many
  days overdue before it kicks in, and which algorithm computes the fee.
  Rules are created by tenant administrators elsewhere and are read-only
  here.

RULE TYPES:
  percentage: principal * dailyRate% * days, optional cap as % of principal
  fixed:      dailyAmount * days, optional absolute cap
  tiered:     first tier whose [start, end) contains days applies its rate once

INVARIANT:
  Exactly one of FeeStructure.Percentage / Fixed / Tiered is set and it
  matches RuleType. Validate() enforces this.

GRACE PERIOD:
  GracePeriodDays is carried but the selector gates on MinimumOverdueDays
  only, unless the engine is configured with GraceSubtract.

EXAMPLE:
  rule := LateFeeRule{
      CompanyID:          "co-1",
      Name:               "Standard",
      RuleType:           RulePercentage,
      FeeStructure:       FeeStructure{Percentage: &PercentageFee{DailyRatePercent: dec("1.5")}},
      MinimumOverdueDays: 8,
      AppliesToInvoices:  true,
      Enabled:            true,
  }
*/
package latefee

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RULE
// =============================================================================

type RuleType string

const (
	RulePercentage RuleType = "percentage"
	RuleFixed      RuleType = "fixed"
	RuleTiered     RuleType = "tiered"
)

type LateFeeRule struct {
	ID            string
	CompanyID     string
	Name          string
	NameLocalized string

	RuleType     RuleType
	FeeStructure FeeStructure

	GracePeriodDays    int
	MinimumOverdueDays int

	AppliesToInvoices  bool
	AppliesToContracts bool
	AppliesToPayments  bool

	Enabled bool

	// Ordering inputs for the selector. Higher Priority wins under
	// ByPriority; CreatedAt breaks ties (newest first).
	Priority  int
	CreatedAt time.Time
}

// AppliesTo reports the applicability flag for a target type.
func (r LateFeeRule) AppliesTo(t TargetType) bool {
	switch t {
	case TargetInvoice:
		return r.AppliesToInvoices
	case TargetContract:
		return r.AppliesToContracts
	case TargetPayment:
		return r.AppliesToPayments
	default:
		return false
	}
}

// =============================================================================
// FEE STRUCTURES - One populated per rule
// =============================================================================

type FeeStructure struct {
	Percentage *PercentageFee
	Fixed      *FixedFee
	Tiered     *TieredFee
}

type PercentageFee struct {
	DailyRatePercent      decimal.Decimal
	MaxPercentOfPrincipal *decimal.Decimal
}

type FixedFee struct {
	DailyAmount decimal.Decimal
	MaxAmount   *decimal.Decimal
}

type TieredFee struct {
	Tiers []Tier
}

// Tier covers days in [StartDay, EndDay).
type Tier struct {
	StartDay         int
	EndDay           int
	DailyRatePercent decimal.Decimal
	MaxAmount        *decimal.Decimal
}

func (t Tier) Contains(days int) bool {
	return t.StartDay <= days && days < t.EndDay
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the fee-structure invariant and basic value ranges.
func (r LateFeeRule) Validate() error {
	invalid := func(field, reason string) error {
		return &RuleValidationError{RuleID: r.ID, Field: field, Reason: reason}
	}

	if r.CompanyID == "" {
		return invalid("company_id", "required")
	}
	if r.GracePeriodDays < 0 {
		return invalid("grace_period_days", "must be >= 0")
	}
	if r.MinimumOverdueDays < 0 {
		return invalid("minimum_overdue_days", "must be >= 0")
	}

	populated := 0
	fs := r.FeeStructure
	if fs.Percentage != nil {
		populated++
	}
	if fs.Fixed != nil {
		populated++
	}
	if fs.Tiered != nil {
		populated++
	}
	if populated != 1 {
		return invalid("fee_structure", fmt.Sprintf("exactly one structure must be set, got %d", populated))
	}

	switch r.RuleType {
	case RulePercentage:
		if fs.Percentage == nil {
			return invalid("fee_structure", "percentage rule without percentage structure")
		}
		if fs.Percentage.DailyRatePercent.IsNegative() {
			return invalid("daily_rate_percent", "must be >= 0")
		}
		if limit := fs.Percentage.MaxPercentOfPrincipal; limit != nil && limit.IsNegative() {
			return invalid("max_percent_of_principal", "must be >= 0")
		}
	case RuleFixed:
		if fs.Fixed == nil {
			return invalid("fee_structure", "fixed rule without fixed structure")
		}
		if fs.Fixed.DailyAmount.IsNegative() {
			return invalid("daily_amount", "must be >= 0")
		}
		if limit := fs.Fixed.MaxAmount; limit != nil && limit.IsNegative() {
			return invalid("max_amount", "must be >= 0")
		}
	case RuleTiered:
		if fs.Tiered == nil {
			return invalid("fee_structure", "tiered rule without tiers")
		}
		if len(fs.Tiered.Tiers) == 0 {
			return invalid("tiers", "at least one tier required")
		}
		for i, t := range fs.Tiered.Tiers {
			if t.StartDay < 0 || t.EndDay <= t.StartDay {
				return invalid(fmt.Sprintf("tiers[%d]", i), "range must satisfy 0 <= start < end")
			}
			if t.DailyRatePercent.IsNegative() {
				return invalid(fmt.Sprintf("tiers[%d].daily_rate_percent", i), "must be >= 0")
			}
		}
	default:
		return invalid("rule_type", fmt.Sprintf("unknown rule type %q", r.RuleType))
	}
	return nil
}
