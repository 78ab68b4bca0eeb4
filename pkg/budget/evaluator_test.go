package budget

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/spendguard/pkg/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func budgetWithLimit(limit string, threshold int) models.Budget {
	return models.Budget{
		Target:           models.OrganizationTarget(1),
		MonthlyLimit:     decimal.NewNullDecimal(dec(limit)),
		WarningThreshold: threshold,
		IsActive:         true,
	}
}

func TestEvaluateLevels(t *testing.T) {
	b := budgetWithLimit("100", 80)
	cases := []struct {
		usage     string
		level     models.StatusLevel
		pct       string
		remaining string
	}{
		{"0", models.StatusNormal, "0", "100"},
		{"79", models.StatusNormal, "79", "21"},
		{"79.99", models.StatusNormal, "79.99", "20.01"},
		{"80", models.StatusWarning, "80", "20"},
		{"99.99", models.StatusWarning, "99.99", "0.01"},
		{"100", models.StatusOverLimit, "100", "0"},
		{"150", models.StatusOverLimit, "150", "0"},
	}
	for _, c := range cases {
		t.Run(c.usage, func(t *testing.T) {
			st := Evaluate(b, dec(c.usage))
			assert.Equal(t, c.level, st.Level)
			require.True(t, st.Percentage.Valid)
			assert.True(t, st.Percentage.Decimal.Equal(dec(c.pct)), "pct %s", st.Percentage.Decimal)
			require.True(t, st.Remaining.Valid)
			assert.True(t, st.Remaining.Decimal.Equal(dec(c.remaining)), "remaining %s", st.Remaining.Decimal)
			assert.False(t, st.Unbounded)
		})
	}
}

func TestEvaluateUnlimited(t *testing.T) {
	b := models.Budget{Target: models.GlobalTarget(), WarningThreshold: 80, IsActive: true}
	st := Evaluate(b, dec("1000000"))
	assert.Equal(t, models.StatusUnlimited, st.Level)
	assert.False(t, st.Percentage.Valid)
	assert.False(t, st.Remaining.Valid)
	assert.Equal(t, "-", st.PercentageText())
	assert.Zero(t, st.PercentageFloat())
}

func TestEvaluateZeroLimit(t *testing.T) {
	for _, usage := range []string{"0", "0.01"} {
		st := Evaluate(budgetWithLimit("0", 80), dec(usage))
		assert.Equal(t, models.StatusOverLimit, st.Level, "usage %s", usage)
		assert.True(t, st.Unbounded)
		assert.False(t, st.Percentage.Valid)
		assert.True(t, math.IsInf(st.PercentageFloat(), 1))
		assert.Equal(t, "over", st.PercentageText())
		assert.True(t, st.Remaining.Decimal.IsZero())
	}
}

func TestEvaluateInactive(t *testing.T) {
	b := budgetWithLimit("10", 80)
	b.IsActive = false
	st := Evaluate(b, dec("500"))
	assert.Equal(t, models.StatusInactive, st.Level)
	assert.False(t, st.Percentage.Valid)
}

func TestEvaluateClampsInputs(t *testing.T) {
	st := Evaluate(budgetWithLimit("100", 80), dec("-5"))
	assert.Equal(t, models.StatusNormal, st.Level)
	assert.True(t, st.Usage.IsZero())

	st = Evaluate(budgetWithLimit("-20", 80), dec("1"))
	assert.Equal(t, models.StatusOverLimit, st.Level)
	assert.True(t, st.Unbounded)

	// Threshold above 100 never warns before the limit.
	st = Evaluate(budgetWithLimit("100", 150), dec("99"))
	assert.Equal(t, models.StatusNormal, st.Level)

	// Threshold below zero warns immediately.
	st = Evaluate(budgetWithLimit("100", -10), dec("0"))
	assert.Equal(t, models.StatusWarning, st.Level)
}

func TestEvaluateThresholdEdges(t *testing.T) {
	st := Evaluate(budgetWithLimit("100", 100), dec("100"))
	assert.Equal(t, models.StatusOverLimit, st.Level, "over limit wins at 100%")

	st = Evaluate(budgetWithLimit("100", 0), dec("0"))
	assert.Equal(t, models.StatusWarning, st.Level)

	st = Evaluate(budgetWithLimit("3", 50), dec("1"))
	assert.Equal(t, "33.3%", st.PercentageText())
}

func TestEvaluateMonotonic(t *testing.T) {
	b := budgetWithLimit("50", 75)
	prev := -1
	for i := 0; i <= 120; i++ {
		st := Evaluate(b, decimal.NewFromInt(int64(i)))
		sev := st.Level.Severity()
		assert.GreaterOrEqual(t, sev, prev, "usage %d", i)
		prev = sev
	}
}
