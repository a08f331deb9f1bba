/*
calculator.go - Fee amount algorithms

PURPOSE:
  Turns (rule, days overdue, principal) into a fee. Each rule type has
  one algorithm; the result is capped per the rule and clamped to >= 0.

ALGORITHMS:
  Percentage:
    fee = principal * (dailyRate * days) / 100
    cap = principal * maxPercentOfPrincipal / 100
    (1000 at 2%/day for 10 days is 200 before the cap)

  Fixed:
    fee = dailyAmount * days
    cap = maxAmount

  Tiered (TieredSingleApplication, default):
    The first tier in list order whose [start, end) contains days applies
    its rate ONCE: fee = principal * rate / 100, capped at tier max.
    Days spent inside the tier do not multiply the fee. No tier -> 0.

  Tiered (TieredAccrual):
    Each tier accrues principal * rate / 100 per day for the days of the
    overdue span that fall inside it; tiers are capped individually and
    summed.

SWAPPING THE TIERED ALGORITHM:
  The engine holds a FeeCalculator. NewFeeCalculator(TieredAccrual) swaps
  the tiered behaviour without touching callers.
*/
package latefee

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeeCalculator computes a non-negative fee for one selected rule.
type FeeCalculator interface {
	Fee(rule LateFeeRule, daysOverdue int, principal decimal.Decimal) decimal.Decimal
}

// TieredMode selects the tiered algorithm.
type TieredMode string

const (
	TieredSingleApplication TieredMode = "single"
	TieredAccrual           TieredMode = "accrual"
)

// NewFeeCalculator returns the calculator for the given tiered mode.
// Unknown modes fall back to single application.
func NewFeeCalculator(mode TieredMode) FeeCalculator {
	if mode == TieredAccrual {
		return &StandardCalculator{Tiered: accrualTiered}
	}
	return &StandardCalculator{Tiered: singleTiered}
}

// StandardCalculator dispatches on rule type.
type StandardCalculator struct {
	Tiered func(fee TieredFee, daysOverdue int, principal decimal.Decimal) decimal.Decimal
}

func (c *StandardCalculator) Fee(rule LateFeeRule, daysOverdue int, principal decimal.Decimal) decimal.Decimal {
	if daysOverdue < 0 {
		daysOverdue = 0
	}

	var amount decimal.Decimal
	fs := rule.FeeStructure
	switch rule.RuleType {
	case RulePercentage:
		if fs.Percentage != nil {
			amount = percentageFee(*fs.Percentage, daysOverdue, principal)
		}
	case RuleFixed:
		if fs.Fixed != nil {
			amount = fixedFee(*fs.Fixed, daysOverdue)
		}
	case RuleTiered:
		if fs.Tiered != nil {
			tiered := c.Tiered
			if tiered == nil {
				tiered = singleTiered
			}
			amount = tiered(*fs.Tiered, daysOverdue, principal)
		}
	}

	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// =============================================================================
// ALGORITHMS
// =============================================================================

func percentageFee(p PercentageFee, days int, principal decimal.Decimal) decimal.Decimal {
	totalRate := p.DailyRatePercent.Mul(decimal.NewFromInt(int64(days)))
	amount := principal.Mul(totalRate).Div(hundred)

	if p.MaxPercentOfPrincipal != nil {
		limit := principal.Mul(*p.MaxPercentOfPrincipal).Div(hundred)
		amount = decimal.Min(amount, limit)
	}
	return amount
}

func fixedFee(f FixedFee, days int) decimal.Decimal {
	amount := f.DailyAmount.Mul(decimal.NewFromInt(int64(days)))
	if f.MaxAmount != nil {
		amount = decimal.Min(amount, *f.MaxAmount)
	}
	return amount
}

func singleTiered(fee TieredFee, days int, principal decimal.Decimal) decimal.Decimal {
	for _, tier := range fee.Tiers {
		if !tier.Contains(days) {
			continue
		}
		amount := principal.Mul(tier.DailyRatePercent).Div(hundred)
		if tier.MaxAmount != nil {
			amount = decimal.Min(amount, *tier.MaxAmount)
		}
		return amount
	}
	return decimal.Zero
}

func accrualTiered(fee TieredFee, days int, principal decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, tier := range fee.Tiers {
		// overdue days are 1..days; count those inside [start, end)
		lo := max(tier.StartDay, 1)
		hi := min(tier.EndDay-1, days)
		if hi < lo {
			continue
		}
		inTier := decimal.NewFromInt(int64(hi - lo + 1))
		amount := principal.Mul(tier.DailyRatePercent).Div(hundred).Mul(inTier)
		if tier.MaxAmount != nil {
			amount = decimal.Min(amount, *tier.MaxAmount)
		}
		total = total.Add(amount)
	}
	return total
}
