/*
selector.go - Rule selection

PURPOSE:
  Picks at most one rule for a target. Rules never combine: the fee comes
  from the first rule that passes, in an explicit order.

ALGORITHM:
  1. Keep rules whose applicability flag matches the target type
  2. Order them with the configured RuleOrder (stable)
  3. Return the first with MinimumOverdueDays <= effective days overdue

ORDERING:
  NewestFirst: CreatedAt descending. Equal (or unset) CreatedAt keeps the
               order the RuleSource returned, which is newest-first too.
  ByPriority:  Priority descending, then CreatedAt descending.

GRACE:
  GraceIgnore (default): effective days = days overdue
  GraceSubtract:         effective days = max(0, days overdue - grace)
*/
package latefee

import (
	"cmp"
	"slices"
)

// RuleOrder compares two rules; negative means a is tried before b.
type RuleOrder func(a, b LateFeeRule) int

// NewestFirst orders rules by creation time, newest first.
func NewestFirst(a, b LateFeeRule) int {
	return b.CreatedAt.Compare(a.CreatedAt)
}

// ByPriority orders by Priority (highest first) then NewestFirst.
func ByPriority(a, b LateFeeRule) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return NewestFirst(a, b)
}

// ParseRuleOrder maps a config value to a comparator.
func ParseRuleOrder(s string) RuleOrder {
	if s == "priority" {
		return ByPriority
	}
	return NewestFirst
}

type GraceMode string

const (
	GraceIgnore   GraceMode = "ignore"
	GraceSubtract GraceMode = "subtract"
)

// Selector chooses the rule for a target.
type Selector struct {
	Order RuleOrder
	Grace GraceMode
}

// Select returns the chosen rule, or nil when no fee applies.
func (s Selector) Select(rules []LateFeeRule, daysOverdue int, target TargetType) *LateFeeRule {
	candidates := make([]LateFeeRule, 0, len(rules))
	for _, r := range rules {
		if r.AppliesTo(target) {
			candidates = append(candidates, r)
		}
	}

	order := s.Order
	if order == nil {
		order = NewestFirst
	}
	slices.SortStableFunc(candidates, order)

	for i := range candidates {
		if candidates[i].MinimumOverdueDays <= s.EffectiveDays(candidates[i], daysOverdue) {
			return &candidates[i]
		}
	}
	return nil
}

// EffectiveDays is the day count used for thresholding and fee accrual.
func (s Selector) EffectiveDays(r LateFeeRule, days int) int {
	if s.Grace == GraceSubtract {
		return max(0, days-r.GracePeriodDays)
	}
	return days
}

// SelectRule applies the default selector (newest first, grace ignored).
func SelectRule(rules []LateFeeRule, daysOverdue int, target TargetType) *LateFeeRule {
	return Selector{}.Select(rules, daysOverdue, target)
}
