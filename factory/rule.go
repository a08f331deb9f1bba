/*
Package factory provides JSON to Go late fee rule conversion.

PURPOSE:
  Converts JSON rule definitions into latefee.LateFeeRule values and back.
  Stores keep the fee structure as a JSON column, and the API seeds rules
  from JSON request bodies; both go through this package so the
  fee-structure invariant is checked in one place.

JSON SCHEMA:
  {
    "id": "rule-1",
    "company_id": "co-1",
    "name": "Standard",
    "name_localized": "قياسي",
    "rule_type": "percentage",
    "fee_structure": {
      "daily_rate_percent": "1.5",
      "max_percent_of_principal": "20"
    },
    "grace_period_days": 7,
    "minimum_overdue_days": 8,
    "applies_to_invoices": true,
    "applies_to_contracts": true,
    "applies_to_payments": false,
    "enabled": true,
    "priority": 0
  }

FEE STRUCTURE BY RULE TYPE:
  percentage: daily_rate_percent (required), max_percent_of_principal
  fixed:      daily_amount (required), max_amount
  tiered:     tiers: [{start_day, end_day, daily_rate_percent, max_amount}]

  Fields belonging to another rule type are rejected, so a stored rule
  can never carry two structures. Amounts accept JSON numbers or strings.

DEFAULTS:
  enabled defaults to true when omitted.

USAGE:
  f := factory.NewRuleFactory()
  rule, err := f.ParseRule(jsonString)
  rules, err := f.ParseRules(jsonArray)

  raw, err := factory.EncodeFeeStructure(rule.RuleType, rule.FeeStructure)
  fs, err := factory.DecodeFeeStructure(rule.RuleType, raw)

SEE ALSO:
  - latefee/rule.go: LateFeeRule and Validate
  - latefee/defaults.go: Baseline rule for bootstrap
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/latefee-engine/latefee"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a rule.
type RuleJSON struct {
	ID                 string           `json:"id,omitempty"`
	CompanyID          string           `json:"company_id"`
	Name               string           `json:"name"`
	NameLocalized      string           `json:"name_localized,omitempty"`
	RuleType           string           `json:"rule_type"`
	FeeStructure       FeeStructureJSON `json:"fee_structure"`
	GracePeriodDays    int              `json:"grace_period_days"`
	MinimumOverdueDays int              `json:"minimum_overdue_days"`
	AppliesToInvoices  bool             `json:"applies_to_invoices"`
	AppliesToContracts bool             `json:"applies_to_contracts"`
	AppliesToPayments  bool             `json:"applies_to_payments"`
	Enabled            *bool            `json:"enabled,omitempty"`
	Priority           int              `json:"priority,omitempty"`
	CreatedAt          *time.Time       `json:"created_at,omitempty"`
}

// FeeStructureJSON is the union of all fee structure fields. Only the
// fields of the rule's type may be set.
type FeeStructureJSON struct {
	// percentage
	DailyRatePercent      *decimal.Decimal `json:"daily_rate_percent,omitempty"`
	MaxPercentOfPrincipal *decimal.Decimal `json:"max_percent_of_principal,omitempty"`

	// fixed
	DailyAmount *decimal.Decimal `json:"daily_amount,omitempty"`
	MaxAmount   *decimal.Decimal `json:"max_amount,omitempty"`

	// tiered
	Tiers []TierJSON `json:"tiers,omitempty"`
}

type TierJSON struct {
	StartDay         int              `json:"start_day"`
	EndDay           int              `json:"end_day"`
	DailyRatePercent decimal.Decimal  `json:"daily_rate_percent"`
	MaxAmount        *decimal.Decimal `json:"max_amount,omitempty"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to Go structs.
type RuleFactory struct{}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule parses and validates one JSON rule.
func (f *RuleFactory) ParseRule(jsonStr string) (latefee.LateFeeRule, error) {
	var rj RuleJSON
	if err := strictUnmarshal([]byte(jsonStr), &rj); err != nil {
		return latefee.LateFeeRule{}, fmt.Errorf("%w: failed to parse rule JSON: %v", latefee.ErrInvalidRule, err)
	}
	return f.FromJSON(rj)
}

// ParseRules accepts a JSON array of rules or a single rule object.
func (f *RuleFactory) ParseRules(data []byte) ([]latefee.LateFeeRule, error) {
	return f.ParseRulesFor("", data)
}

// ParseRulesFor is ParseRules scoped to one company: rules without a
// company_id get companyID and rules naming another company are rejected.
// An empty companyID disables scoping.
func (f *RuleFactory) ParseRulesFor(companyID string, data []byte) ([]latefee.LateFeeRule, error) {
	list, err := decodeRules(data)
	if err != nil {
		return nil, err
	}

	rules := make([]latefee.LateFeeRule, 0, len(list))
	for i, rj := range list {
		if companyID != "" {
			if rj.CompanyID == "" {
				rj.CompanyID = companyID
			}
			if rj.CompanyID != companyID {
				return nil, fmt.Errorf("rule %d: %w", i, &latefee.RuleValidationError{
					RuleID: rj.ID, Field: "company_id", Reason: "does not match " + companyID,
				})
			}
		}
		rule, err := f.FromJSON(rj)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeRules(data []byte) ([]RuleJSON, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var rj RuleJSON
		if err := strictUnmarshal(trimmed, &rj); err != nil {
			return nil, fmt.Errorf("%w: failed to parse rule JSON: %v", latefee.ErrInvalidRule, err)
		}
		return []RuleJSON{rj}, nil
	}

	var list []RuleJSON
	if err := strictUnmarshal(trimmed, &list); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rules JSON: %v", latefee.ErrInvalidRule, err)
	}
	return list, nil
}

// FromJSON converts RuleJSON to a validated LateFeeRule.
func (f *RuleFactory) FromJSON(rj RuleJSON) (latefee.LateFeeRule, error) {
	ruleType := latefee.RuleType(rj.RuleType)
	fs, err := feeStructureFromJSON(rj.ID, ruleType, rj.FeeStructure)
	if err != nil {
		return latefee.LateFeeRule{}, err
	}

	rule := latefee.LateFeeRule{
		ID:                 rj.ID,
		CompanyID:          rj.CompanyID,
		Name:               rj.Name,
		NameLocalized:      rj.NameLocalized,
		RuleType:           ruleType,
		FeeStructure:       fs,
		GracePeriodDays:    rj.GracePeriodDays,
		MinimumOverdueDays: rj.MinimumOverdueDays,
		AppliesToInvoices:  rj.AppliesToInvoices,
		AppliesToContracts: rj.AppliesToContracts,
		AppliesToPayments:  rj.AppliesToPayments,
		Enabled:            rj.Enabled == nil || *rj.Enabled,
		Priority:           rj.Priority,
	}
	if rj.CreatedAt != nil {
		rule.CreatedAt = rj.CreatedAt.UTC()
	}

	if err := rule.Validate(); err != nil {
		return latefee.LateFeeRule{}, err
	}
	return rule, nil
}

// ToJSON converts a LateFeeRule to RuleJSON.
func (f *RuleFactory) ToJSON(rule latefee.LateFeeRule) RuleJSON {
	enabled := rule.Enabled
	rj := RuleJSON{
		ID:                 rule.ID,
		CompanyID:          rule.CompanyID,
		Name:               rule.Name,
		NameLocalized:      rule.NameLocalized,
		RuleType:           string(rule.RuleType),
		FeeStructure:       feeStructureToJSON(rule.FeeStructure),
		GracePeriodDays:    rule.GracePeriodDays,
		MinimumOverdueDays: rule.MinimumOverdueDays,
		AppliesToInvoices:  rule.AppliesToInvoices,
		AppliesToContracts: rule.AppliesToContracts,
		AppliesToPayments:  rule.AppliesToPayments,
		Enabled:            &enabled,
		Priority:           rule.Priority,
	}
	if !rule.CreatedAt.IsZero() {
		t := rule.CreatedAt
		rj.CreatedAt = &t
	}
	return rj
}

// =============================================================================
// STORAGE ENCODING
// =============================================================================

// EncodeFeeStructure renders a fee structure for a JSON column.
func EncodeFeeStructure(ruleType latefee.RuleType, fs latefee.FeeStructure) ([]byte, error) {
	if _, err := feeStructureFromJSON("", ruleType, feeStructureToJSON(fs)); err != nil {
		return nil, err
	}
	return json.Marshal(feeStructureToJSON(fs))
}

// DecodeFeeStructure parses a JSON column back into a fee structure,
// checking it against the rule type.
func DecodeFeeStructure(ruleType latefee.RuleType, data []byte) (latefee.FeeStructure, error) {
	var fj FeeStructureJSON
	if err := strictUnmarshal(data, &fj); err != nil {
		return latefee.FeeStructure{}, fmt.Errorf("%w: failed to parse fee structure: %v", latefee.ErrInvalidRule, err)
	}
	return feeStructureFromJSON("", ruleType, fj)
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func feeStructureFromJSON(ruleID string, ruleType latefee.RuleType, fj FeeStructureJSON) (latefee.FeeStructure, error) {
	invalid := func(field, reason string) error {
		return &latefee.RuleValidationError{RuleID: ruleID, Field: field, Reason: reason}
	}

	hasPercentage := fj.DailyRatePercent != nil || fj.MaxPercentOfPrincipal != nil
	hasFixed := fj.DailyAmount != nil || fj.MaxAmount != nil
	hasTiered := len(fj.Tiers) > 0

	switch ruleType {
	case latefee.RulePercentage:
		if hasFixed || hasTiered {
			return latefee.FeeStructure{}, invalid("fee_structure", "percentage rule carries fixed or tiered fields")
		}
		if fj.DailyRatePercent == nil {
			return latefee.FeeStructure{}, invalid("daily_rate_percent", "required")
		}
		return latefee.FeeStructure{Percentage: &latefee.PercentageFee{
			DailyRatePercent:      *fj.DailyRatePercent,
			MaxPercentOfPrincipal: fj.MaxPercentOfPrincipal,
		}}, nil

	case latefee.RuleFixed:
		if hasPercentage || hasTiered {
			return latefee.FeeStructure{}, invalid("fee_structure", "fixed rule carries percentage or tiered fields")
		}
		if fj.DailyAmount == nil {
			return latefee.FeeStructure{}, invalid("daily_amount", "required")
		}
		return latefee.FeeStructure{Fixed: &latefee.FixedFee{
			DailyAmount: *fj.DailyAmount,
			MaxAmount:   fj.MaxAmount,
		}}, nil

	case latefee.RuleTiered:
		if hasPercentage || hasFixed {
			return latefee.FeeStructure{}, invalid("fee_structure", "tiered rule carries percentage or fixed fields")
		}
		if !hasTiered {
			return latefee.FeeStructure{}, invalid("tiers", "at least one tier required")
		}
		tiers := make([]latefee.Tier, len(fj.Tiers))
		for i, t := range fj.Tiers {
			tiers[i] = latefee.Tier{
				StartDay:         t.StartDay,
				EndDay:           t.EndDay,
				DailyRatePercent: t.DailyRatePercent,
				MaxAmount:        t.MaxAmount,
			}
		}
		return latefee.FeeStructure{Tiered: &latefee.TieredFee{Tiers: tiers}}, nil

	default:
		return latefee.FeeStructure{}, invalid("rule_type", fmt.Sprintf("unknown rule type %q", ruleType))
	}
}

func feeStructureToJSON(fs latefee.FeeStructure) FeeStructureJSON {
	var fj FeeStructureJSON
	if p := fs.Percentage; p != nil {
		rate := p.DailyRatePercent
		fj.DailyRatePercent = &rate
		fj.MaxPercentOfPrincipal = p.MaxPercentOfPrincipal
	}
	if f := fs.Fixed; f != nil {
		amount := f.DailyAmount
		fj.DailyAmount = &amount
		fj.MaxAmount = f.MaxAmount
	}
	if t := fs.Tiered; t != nil {
		for _, tier := range t.Tiers {
			fj.Tiers = append(fj.Tiers, TierJSON{
				StartDay:         tier.StartDay,
				EndDay:           tier.EndDay,
				DailyRatePercent: tier.DailyRatePercent,
				MaxAmount:        tier.MaxAmount,
			})
		}
	}
	return fj
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
