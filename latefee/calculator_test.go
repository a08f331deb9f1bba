package latefee_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/latefee-engine/latefee"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func percentageRule(rate string, maxPct *decimal.Decimal) latefee.LateFeeRule {
	return latefee.LateFeeRule{
		CompanyID: "co-1",
		RuleType:  latefee.RulePercentage,
		FeeStructure: latefee.FeeStructure{
			Percentage: &latefee.PercentageFee{DailyRatePercent: dec(rate), MaxPercentOfPrincipal: maxPct},
		},
		AppliesToInvoices: true,
		Enabled:           true,
	}
}

func fixedRule(daily string, maxAmount *decimal.Decimal) latefee.LateFeeRule {
	return latefee.LateFeeRule{
		CompanyID:         "co-1",
		RuleType:          latefee.RuleFixed,
		FeeStructure:      latefee.FeeStructure{Fixed: &latefee.FixedFee{DailyAmount: dec(daily), MaxAmount: maxAmount}},
		AppliesToPayments: true,
		Enabled:           true,
	}
}

func tieredRule(tiers ...latefee.Tier) latefee.LateFeeRule {
	return latefee.LateFeeRule{
		CompanyID:          "co-1",
		RuleType:           latefee.RuleTiered,
		FeeStructure:       latefee.FeeStructure{Tiered: &latefee.TieredFee{Tiers: tiers}},
		AppliesToContracts: true,
		Enabled:            true,
	}
}

// =============================================================================
// PERCENTAGE
// =============================================================================

func TestPercentageFee_CapEnforced(t *testing.T) {
	// GIVEN: 2%/day capped at 10% of principal
	// WHEN: 10 days overdue on 1000 (uncapped: 200)
	// THEN: Clamped to 100
	calc := latefee.NewFeeCalculator(latefee.TieredSingleApplication)
	rule := percentageRule("2", decPtr("10"))

	fee := calc.Fee(rule, 10, dec("1000"))

	assert.True(t, fee.Equal(dec("100")), "fee = %s", fee)
}

func TestPercentageFee_Uncapped(t *testing.T) {
	calc := latefee.NewFeeCalculator(latefee.TieredSingleApplication)

	tests := []struct {
		days int
		want string
	}{
		{0, "0"},
		{1, "15"},
		{10, "150"},
		{100, "1500"},
	}

	for _, tt := range tests {
		fee := calc.Fee(percentageRule("1.5", nil), tt.days, dec("1000"))
		assert.True(t, fee.Equal(dec(tt.want)), "days=%d fee=%s want=%s", tt.days, fee, tt.want)
	}
}

func TestPercentageFee_ExactDecimal(t *testing.T) {
	// 0.1 * 3 would drift in float64
	calc := latefee.NewFeeCalculator(latefee.TieredSingleApplication)

	fee := calc.Fee(percentageRule("0.1", nil), 3, dec("100.10"))

	assert.Equal(t, "0.3003", fee.String())
}

// =============================================================================
// FIXED
// =============================================================================

func TestFixedFee_Linear(t *testing.T) {
	calc := latefee.NewFeeCalculator(latefee.TieredSingleApplication)
	rule := fixedRule("5", nil)

	assert.True(t, calc.Fee(rule, 0, dec("300")).IsZero())
	assert.True(t, calc.Fee(rule, 4, dec("300")).Equal(dec("20")))
}

func TestFixedFee_Capped(t *testing.T) {
	calc := latefee.NewFeeCalculator(latefee.TieredSingleApplication)

	fee := calc.Fee(fixedRule("5", decPtr("100")), 40, dec("750"))

	assert.True(t, fee.Equal(dec("100")))
}

func TestFee_NegativeDaysClampToZero(t *testing.T) {
	calc := latefee.NewFeeCalculator(latefee.TieredSingleApplication)

	fee := calc.Fee(fixedRule("5", nil), -3, dec("300"))

	assert.True(t, fee.IsZero())
}

// =============================================================================
// TIERED
// =============================================================================

func TestTieredFee_SingleApplication(t *testing.T) {
	// GIVEN: One tier [8,15) at 3% on 1000
	// THEN: 30 wherever days falls inside the tier
	calc := latefee.NewFeeCalculator(latefee.TieredSingleApplication)
	rule := tieredRule(latefee.Tier{StartDay: 8, EndDay: 15, DailyRatePercent: dec("3")})

	for _, days := range []int{8, 10, 14} {
		fee := calc.Fee(rule, days, dec("1000"))
		assert.True(t, fee.Equal(dec("30")), "days=%d fee=%s", days, fee)
	}

	// Outside every tier
	assert.True(t, calc.Fee(rule, 7, dec("1000")).IsZero())
	assert.True(t, calc.Fee(rule, 15, dec("1000")).IsZero())
}

func TestTieredFee_FirstMatchingTierWins(t *testing.T) {
	calc := latefee.NewFeeCalculator(latefee.TieredSingleApplication)
	rule := tieredRule(
		latefee.Tier{StartDay: 0, EndDay: 30, DailyRatePercent: dec("2")},
		latefee.Tier{StartDay: 10, EndDay: 20, DailyRatePercent: dec("9")},
	)

	fee := calc.Fee(rule, 12, dec("1000"))

	assert.True(t, fee.Equal(dec("20")))
}

func TestTieredFee_TierCap(t *testing.T) {
	calc := latefee.NewFeeCalculator(latefee.TieredSingleApplication)
	rule := tieredRule(latefee.Tier{StartDay: 25, EndDay: 32, DailyRatePercent: dec("8"), MaxAmount: decPtr("200")})

	fee := calc.Fee(rule, 28, dec("3000"))

	assert.True(t, fee.Equal(dec("200")))
}

func TestTieredFee_Accrual(t *testing.T) {
	// GIVEN: [1,8) at 1% and [8,15) at 3% capped at 150, on 1000
	// WHEN: 10 days overdue
	// THEN: 7 days * 10 + 3 days * 30 = 160; at 14 days the second tier caps
	calc := latefee.NewFeeCalculator(latefee.TieredAccrual)
	rule := tieredRule(
		latefee.Tier{StartDay: 1, EndDay: 8, DailyRatePercent: dec("1")},
		latefee.Tier{StartDay: 8, EndDay: 15, DailyRatePercent: dec("3"), MaxAmount: decPtr("150")},
	)

	assert.True(t, calc.Fee(rule, 10, dec("1000")).Equal(dec("160")))
	assert.True(t, calc.Fee(rule, 14, dec("1000")).Equal(dec("220")))
	assert.True(t, calc.Fee(rule, 0, dec("1000")).IsZero())
}

func TestNewFeeCalculator_UnknownModeIsSingle(t *testing.T) {
	calc := latefee.NewFeeCalculator("bogus")
	rule := tieredRule(latefee.Tier{StartDay: 8, EndDay: 15, DailyRatePercent: dec("3")})

	assert.True(t, calc.Fee(rule, 14, dec("1000")).Equal(dec("30")))
}

// =============================================================================
// RULE VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	both := percentageRule("1", nil)
	both.FeeStructure.Fixed = &latefee.FixedFee{DailyAmount: dec("1")}

	mismatched := percentageRule("1", nil)
	mismatched.RuleType = latefee.RuleFixed

	noCompany := percentageRule("1", nil)
	noCompany.CompanyID = ""

	negativeMin := fixedRule("1", nil)
	negativeMin.MinimumOverdueDays = -1

	tests := []struct {
		name  string
		rule  latefee.LateFeeRule
		field string
	}{
		{"valid percentage", percentageRule("1.5", decPtr("20")), ""},
		{"valid fixed", fixedRule("5", nil), ""},
		{"valid tiered", tieredRule(latefee.Tier{StartDay: 0, EndDay: 5, DailyRatePercent: dec("1")}), ""},
		{"two structures", both, "fee_structure"},
		{"type mismatch", mismatched, "fee_structure"},
		{"missing company", noCompany, "company_id"},
		{"negative minimum", negativeMin, "minimum_overdue_days"},
		{"negative rate", percentageRule("-1", nil), "daily_rate_percent"},
		{"negative cap", fixedRule("1", decPtr("-5")), "max_amount"},
		{"no tiers", tieredRule(), "tiers"},
		{"empty tier range", tieredRule(latefee.Tier{StartDay: 5, EndDay: 5, DailyRatePercent: dec("1")}), "tiers[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, latefee.IsClientError(err))
			var ve *latefee.RuleValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

// =============================================================================
// DAY ARITHMETIC
// =============================================================================

func TestDaysOverdue(t *testing.T) {
	due := day(2025, 1, 1)

	assert.Equal(t, 0, latefee.DaysOverdue(due, due))
	assert.Equal(t, 0, latefee.DaysOverdue(due, due.Add(23*time.Hour)))
	assert.Equal(t, 1, latefee.DaysOverdue(due, due.Add(25*time.Hour)))
	assert.Equal(t, 31, latefee.DaysOverdue(due, day(2025, 2, 1)))
	assert.Equal(t, 0, latefee.DaysOverdue(due, day(2024, 12, 1)), "early payment is never negative")
}

func TestEndOfMonth(t *testing.T) {
	assert.Equal(t, day(2025, 1, 31), latefee.EndOfMonth(day(2025, 1, 3)))
	assert.Equal(t, day(2024, 2, 29), latefee.EndOfMonth(day(2024, 2, 10)))
	assert.Equal(t, day(2025, 12, 31), latefee.EndOfMonth(time.Date(2025, 12, 31, 18, 0, 0, 0, time.UTC)))
}
