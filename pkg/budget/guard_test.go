package budget

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/store"
	"github.com/pario-ai/spendguard/pkg/tracker"
)

type fixture struct {
	store   *store.SQLiteStore
	tracker *tracker.SQLiteTracker
	metrics *metrics.Metrics
	guard   *Guard
}

func setup(t *testing.T) (*fixture, context.Context) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "budgets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	tr, err := tracker.New(filepath.Join(dir, "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	m := metrics.New()
	return &fixture{store: st, tracker: tr, metrics: m, guard: NewGuard(st, tr, nil, m)}, context.Background()
}

func (f *fixture) budget(t *testing.T, target models.BudgetTarget, limit string, allowOverride bool) models.Budget {
	t.Helper()
	b, err := f.store.Create(context.Background(), models.Budget{
		Target:           target,
		MonthlyLimit:     decimal.NewNullDecimal(dec(limit)),
		WarningThreshold: 80,
		IsActive:         true,
		AllowOverride:    allowOverride,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) spend(t *testing.T, org, user *int64, cost string) {
	t.Helper()
	require.NoError(t, f.tracker.Record(context.Background(), models.UsageRecord{
		OrganizationID: org,
		UserID:         user,
		Model:          "gpt-4o",
		Cost:           dec(cost),
	}))
}

func id(v int64) *int64 { return &v }

func TestAuthorizeAllow(t *testing.T) {
	f, ctx := setup(t)
	f.budget(t, models.OrganizationTarget(1), "100", false)
	f.spend(t, id(1), id(10), "10")

	d, err := f.guard.Authorize(ctx, Action{OrganizationID: id(1), UserID: id(10)})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.NoError(t, d.Err())
	require.Len(t, d.Statuses, 1)
	assert.Equal(t, models.StatusNormal, d.Statuses[0].Level)

	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `spendguard_budget_checks_total{verdict="allow"} 1`)
}

func TestAuthorizeNoBudgets(t *testing.T) {
	f, ctx := setup(t)
	d, err := f.guard.Authorize(ctx, Action{OrganizationID: id(1)})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Empty(t, d.Statuses)
}

func TestAuthorizeWarn(t *testing.T) {
	f, ctx := setup(t)
	f.budget(t, models.UserTarget(10), "100", false)
	f.spend(t, id(1), id(10), "85")

	d, err := f.guard.Authorize(ctx, Action{OrganizationID: id(1), UserID: id(10)})
	require.NoError(t, err)
	assert.Equal(t, VerdictWarn, d.Verdict)
	assert.NoError(t, d.Err())
	assert.Equal(t, models.StatusWarning, d.Worst.Level)
}

func TestAuthorizeConfirm(t *testing.T) {
	f, ctx := setup(t)
	f.budget(t, models.OrganizationTarget(1), "100", true)
	f.spend(t, id(1), id(10), "150")

	d, err := f.guard.Authorize(ctx, Action{OrganizationID: id(1), UserID: id(10)})
	require.NoError(t, err)
	assert.Equal(t, VerdictConfirm, d.Verdict)
	assert.True(t, errors.Is(d.Err(), ErrOverrideRequired))
	assert.Equal(t, "150.0%", d.Worst.PercentageText())
	assert.Contains(t, OverrideMessage(d.Worst), "150.0%")
}

func TestAuthorizeRejectWins(t *testing.T) {
	f, ctx := setup(t)
	f.budget(t, models.OrganizationTarget(1), "100", true)
	f.budget(t, models.UserTarget(10), "20", false)
	f.spend(t, id(1), id(10), "150")

	d, err := f.guard.Authorize(ctx, Action{OrganizationID: id(1), UserID: id(10)})
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, d.Verdict)
	assert.ErrorIs(t, d.Err(), ErrBudgetExceeded)
	assert.Equal(t, models.ScopeUser, d.Worst.Budget.Target.Scope(), "the non-overridable budget drives the verdict")
	assert.Len(t, d.Statuses, 2)
}

func TestAuthorizeEstimatedCost(t *testing.T) {
	f, ctx := setup(t)
	f.budget(t, models.GlobalTarget(), "100", true)
	f.spend(t, nil, nil, "70")

	d, err := f.guard.Authorize(ctx, Action{})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict)

	d, err = f.guard.Authorize(ctx, Action{EstimatedCost: dec("30")})
	require.NoError(t, err)
	assert.Equal(t, VerdictConfirm, d.Verdict)

	d, err = f.guard.Authorize(ctx, Action{EstimatedCost: dec("-30")})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict, "negative estimates are ignored")
}

func TestAuthorizeIgnoresPreviousPeriod(t *testing.T) {
	f, ctx := setup(t)
	f.budget(t, models.OrganizationTarget(1), "100", false)
	require.NoError(t, f.tracker.Record(ctx, models.UsageRecord{
		OrganizationID: id(1),
		Model:          "gpt-4o",
		Cost:           dec("500"),
		CreatedAt:      PeriodStart(time.Now()).Add(-time.Hour),
	}))

	d, err := f.guard.Authorize(ctx, Action{OrganizationID: id(1)})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestStatus(t *testing.T) {
	f, ctx := setup(t)
	f.budget(t, models.GlobalTarget(), "1000", false)
	f.budget(t, models.OrganizationTarget(1), "100", false)
	f.budget(t, models.OrganizationTarget(2), "100", false)
	f.spend(t, id(1), nil, "50")

	statuses, err := f.guard.Status(ctx, id(1), nil)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "organization:1", statuses[0].Budget.Target.String())
	assert.True(t, statuses[0].Usage.Equal(dec("50")))

	statuses, err = f.guard.Status(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.ScopeGlobal, statuses[0].Budget.Target.Scope())

	all, err := f.guard.StatusAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPeriodStart(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	got := PeriodStart(time.Date(2026, 3, 1, 5, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestOverrideMessage(t *testing.T) {
	st := Evaluate(budgetWithLimit("200", 80), dec("250"))
	assert.Equal(t,
		"The organization budget is at 125.0% of its monthly limit (250.00 of 200.00). Proceed anyway?",
		OverrideMessage(st))

	st = Evaluate(budgetWithLimit("0", 80), dec("0"))
	assert.Contains(t, OverrideMessage(st), "no spend allowance")
}

func TestAuthorizeCountsFromRolledPeriod(t *testing.T) {
	f, ctx := setup(t)
	b := f.budget(t, models.OrganizationTarget(1), "100", false)
	f.spend(t, id(1), nil, "150")

	d, err := f.guard.Authorize(ctx, Action{OrganizationID: id(1)})
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, d.Verdict)

	require.NoError(t, f.store.RollPeriod(ctx, b.ID, time.Now().Add(time.Minute)))
	d, err = f.guard.Authorize(ctx, Action{OrganizationID: id(1)})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict)

	require.NoError(t, f.store.RollPeriod(ctx, b.ID, PeriodStart(time.Now()).AddDate(0, -3, 0)))
	d, err = f.guard.Authorize(ctx, Action{OrganizationID: id(1)})
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, d.Verdict, "a stale period start still counts the current month")
}
