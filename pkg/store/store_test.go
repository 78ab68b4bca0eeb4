package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/spendguard/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "budgets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func limited(target models.BudgetTarget, limit string) models.Budget {
	return models.Budget{
		Target:           target,
		MonthlyLimit:     decimal.NewNullDecimal(decimal.RequireFromString(limit)),
		WarningThreshold: models.DefaultWarningThreshold,
		IsActive:         true,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2026, 5, 17, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	b := limited(models.OrganizationTarget(3), "250.50")
	b.AllowOverride = true
	created, err := s.Create(ctx, b)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScopeOrganization, got.Target.Scope())
	assert.Equal(t, int64(3), *got.Target.OrganizationID)
	require.True(t, got.MonthlyLimit.Valid)
	assert.True(t, got.MonthlyLimit.Decimal.Equal(decimal.RequireFromString("250.5")))
	assert.True(t, got.AllowOverride)
	assert.True(t, got.IsActive)
	assert.Equal(t, 80, got.WarningThreshold)
	assert.True(t, got.CurrentPeriodStart.Equal(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)))
}

func TestUnlimitedBudgetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, models.Budget{Target: models.GlobalTarget(), WarningThreshold: 90, IsActive: true})
	require.NoError(t, err)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, got.MonthlyLimit.Valid)
	assert.True(t, got.Unlimited())
	assert.Equal(t, models.ScopeGlobal, got.Target.Scope())
}

func TestCreateValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	both := models.BudgetTarget{OrganizationID: ptr(1), UserID: ptr(2)}
	_, err := s.Create(ctx, limited(both, "10"))
	assert.ErrorIs(t, err, models.ErrAmbiguousTarget)

	b := limited(models.UserTarget(1), "10")
	b.WarningThreshold = 101
	_, err = s.Create(ctx, b)
	assert.ErrorIs(t, err, ErrInvalidBudget)

	_, err = s.Create(ctx, limited(models.UserTarget(1), "-5"))
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestDuplicateTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, limited(models.UserTarget(5), "10"))
	require.NoError(t, err)
	_, err = s.Create(ctx, limited(models.UserTarget(5), "20"))
	assert.ErrorIs(t, err, ErrDuplicateTarget)

	_, err = s.Create(ctx, limited(models.GlobalTarget(), "10"))
	require.NoError(t, err)
	_, err = s.Create(ctx, limited(models.GlobalTarget(), "10"))
	assert.ErrorIs(t, err, ErrDuplicateTarget)
}

func TestApplicableOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, target := range []models.BudgetTarget{
		models.GlobalTarget(),
		models.OrganizationTarget(1),
		models.OrganizationTarget(2),
		models.UserTarget(10),
		models.UserTarget(11),
	} {
		_, err := s.Create(ctx, limited(target, "100"))
		require.NoError(t, err)
	}

	budgets, err := s.Applicable(ctx, ptr(1), ptr(10))
	require.NoError(t, err)
	require.Len(t, budgets, 3)
	assert.Equal(t, "user:10", budgets[0].Target.String())
	assert.Equal(t, "organization:1", budgets[1].Target.String())
	assert.Equal(t, "global", budgets[2].Target.String())

	budgets, err = s.Applicable(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, budgets, 1)
	assert.Equal(t, models.ScopeGlobal, budgets[0].Target.Scope())
}

func TestUpdateRollDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.Create(ctx, limited(models.UserTarget(1), "100"))
	require.NoError(t, err)

	b.MonthlyLimit = decimal.NullDecimal{}
	b.AllowOverride = true
	_, err = s.Update(ctx, b)
	require.NoError(t, err)

	got, err := s.ForTarget(ctx, models.UserTarget(1))
	require.NoError(t, err)
	assert.False(t, got.MonthlyLimit.Valid)
	assert.True(t, got.AllowOverride)

	next := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.RollPeriod(ctx, b.ID, next))
	got, err = s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPeriodStart.Equal(next))

	require.NoError(t, s.Delete(ctx, b.ID))
	_, err = s.Get(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, b.ID), ErrNotFound)
	assert.ErrorIs(t, s.RollPeriod(ctx, b.ID, next), ErrNotFound)
}

func TestEnsure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.Ensure(ctx, limited(models.OrganizationTarget(4), "10"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.Ensure(ctx, limited(models.OrganizationTarget(4), "99"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.MonthlyLimit.Decimal.Equal(decimal.NewFromInt(10)))
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budgets.db")
	require.NoError(t, Migrate(path))
	require.NoError(t, Migrate(path))
}

func ptr(v int64) *int64 { return &v }
