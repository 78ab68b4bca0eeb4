package budget

import (
	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendguard/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// Evaluate classifies usage for the current period against a budget.
// It has no side effects and is safe for concurrent use.
//
// Negative usage and limits are clamped to zero and the warning threshold is
// clamped to [0,100]. A zero limit is always over limit, with an unbounded
// percentage instead of a division by zero.
func Evaluate(b models.Budget, usage decimal.Decimal) models.BudgetStatus {
	if usage.IsNegative() {
		usage = decimal.Zero
	}
	st := models.BudgetStatus{
		Budget:      b,
		Usage:       usage,
		Limit:       b.MonthlyLimit,
		PeriodStart: b.CurrentPeriodStart,
	}

	if !b.IsActive {
		st.Level = models.StatusInactive
		return st
	}
	if !b.MonthlyLimit.Valid {
		st.Level = models.StatusUnlimited
		return st
	}

	limit := b.MonthlyLimit.Decimal
	if limit.IsNegative() {
		limit = decimal.Zero
	}
	st.Limit = decimal.NewNullDecimal(limit)
	st.Remaining = decimal.NewNullDecimal(decimal.Max(decimal.Zero, limit.Sub(usage)))

	if limit.IsZero() {
		st.Level = models.StatusOverLimit
		st.Unbounded = true
		return st
	}

	pct := usage.Mul(hundred).Div(limit)
	st.Percentage = decimal.NewNullDecimal(pct)
	st.Level = classify(pct, threshold(b.WarningThreshold))
	return st
}

func classify(pct, warnAt decimal.Decimal) models.StatusLevel {
	switch {
	case pct.GreaterThanOrEqual(hundred):
		return models.StatusOverLimit
	case pct.GreaterThanOrEqual(warnAt):
		return models.StatusWarning
	default:
		return models.StatusNormal
	}
}

func threshold(v int) decimal.Decimal {
	switch {
	case v < 0:
		v = 0
	case v > 100:
		v = 100
	}
	return decimal.NewFromInt(int64(v))
}
