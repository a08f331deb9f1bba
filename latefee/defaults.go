/*
defaults.go - Baseline rule for tenant bootstrap

PURPOSE:
  A new company has no rules and so never owes late fees. DefaultRule
  gives operators a sensible starting point to seed.

DEFAULT RULE:
  percentage, 1.5% per day, capped at 20% of principal
  fee begins on day 8 (MinimumOverdueDays)
  GracePeriodDays is 7 for record keeping; only GraceSubtract consumes it
  applies to invoices and contracts, not to late-recorded payments

EXAMPLE:
  rule := latefee.DefaultRule("co-1")
  saved, err := store.SaveRule(ctx, rule)
*/
package latefee

import "github.com/shopspring/decimal"

const (
	DefaultRuleName          = "Default Late Fee"
	DefaultRuleNameLocalized = "رسوم التأخير الافتراضية"
)

// DefaultRule returns an unsaved baseline rule for the company.
func DefaultRule(companyID string) LateFeeRule {
	maxPct := decimal.NewFromInt(20)
	return LateFeeRule{
		CompanyID:     companyID,
		Name:          DefaultRuleName,
		NameLocalized: DefaultRuleNameLocalized,
		RuleType:      RulePercentage,
		FeeStructure: FeeStructure{
			Percentage: &PercentageFee{
				DailyRatePercent:      decimal.RequireFromString("1.5"),
				MaxPercentOfPrincipal: &maxPct,
			},
		},
		GracePeriodDays:    7,
		MinimumOverdueDays: 8,
		AppliesToInvoices:  true,
		AppliesToContracts: true,
		Enabled:            true,
	}
}
