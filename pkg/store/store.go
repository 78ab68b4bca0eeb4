package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/spendguard/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when no budget matches.
	ErrNotFound = errors.New("budget not found")
	// ErrDuplicateTarget is returned when a target already has a budget.
	ErrDuplicateTarget = errors.New("budget already exists for target")
	// ErrInvalidBudget is returned for out-of-range limits or thresholds.
	ErrInvalidBudget = errors.New("invalid budget")
)

// Store persists budgets.
type Store interface {
	Create(ctx context.Context, b models.Budget) (models.Budget, error)
	Update(ctx context.Context, b models.Budget) (models.Budget, error)
	Get(ctx context.Context, id int64) (models.Budget, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]models.Budget, error)
	ForTarget(ctx context.Context, target models.BudgetTarget) (models.Budget, error)
	Applicable(ctx context.Context, orgID, userID *int64) ([]models.Budget, error)
	RollPeriod(ctx context.Context, id int64, start time.Time) error
	Close() error
}

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Migrate applies the embedded schema migrations to the database at dbPath.
func Migrate(dbPath string) error {
	// A separate connection keeps migrate from closing the store's handle.
	migrateDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer migrateDB.Close()

	driver, err := sqlite.WithInstance(migrateDB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// New migrates the database and opens a SQLiteStore.
func New(dbPath string) (*SQLiteStore, error) {
	if err := Migrate(dbPath); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open budget db: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func validate(b models.Budget) error {
	if err := b.Target.Validate(); err != nil {
		return err
	}
	if b.WarningThreshold < 0 || b.WarningThreshold > 100 {
		return fmt.Errorf("%w: warning threshold %d not in [0,100]", ErrInvalidBudget, b.WarningThreshold)
	}
	if b.MonthlyLimit.Valid && b.MonthlyLimit.Decimal.IsNegative() {
		return fmt.Errorf("%w: negative monthly limit %s", ErrInvalidBudget, b.MonthlyLimit.Decimal)
	}
	return nil
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create inserts a budget. The billing period starts at the beginning of
// the current month unless set.
func (s *SQLiteStore) Create(ctx context.Context, b models.Budget) (models.Budget, error) {
	if err := validate(b); err != nil {
		return models.Budget{}, err
	}
	now := s.now().UTC()
	if b.CurrentPeriodStart.IsZero() {
		b.CurrentPeriodStart = monthStart(now)
	}
	b.CreatedAt, b.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (organization_id, user_id, monthly_limit, warning_threshold, is_active, allow_override, current_period_start, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullID(b.Target.OrganizationID), nullID(b.Target.UserID), b.MonthlyLimit,
		b.WarningThreshold, b.IsActive, b.AllowOverride,
		b.CurrentPeriodStart.UTC(), b.CreatedAt, b.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return models.Budget{}, fmt.Errorf("%w: %s", ErrDuplicateTarget, b.Target)
	}
	if err != nil {
		return models.Budget{}, fmt.Errorf("create budget: %w", err)
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return models.Budget{}, fmt.Errorf("create budget: %w", err)
	}
	return b, nil
}

// Ensure creates b unless its target already has a budget. It reports whether it created one.
func (s *SQLiteStore) Ensure(ctx context.Context, b models.Budget) (models.Budget, bool, error) {
	existing, err := s.ForTarget(ctx, b.Target)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Budget{}, false, err
	}
	created, err := s.Create(ctx, b)
	if err != nil {
		return models.Budget{}, false, err
	}
	return created, true, nil
}

// Update replaces the stored fields of an existing budget.
func (s *SQLiteStore) Update(ctx context.Context, b models.Budget) (models.Budget, error) {
	if err := validate(b); err != nil {
		return models.Budget{}, err
	}
	existing, err := s.Get(ctx, b.ID)
	if err != nil {
		return models.Budget{}, err
	}
	if b.CurrentPeriodStart.IsZero() {
		b.CurrentPeriodStart = existing.CurrentPeriodStart
	}
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = s.now().UTC()

	_, err = s.db.ExecContext(ctx,
		`UPDATE budgets SET organization_id = ?, user_id = ?, monthly_limit = ?, warning_threshold = ?,
		 is_active = ?, allow_override = ?, current_period_start = ?, updated_at = ? WHERE id = ?`,
		nullID(b.Target.OrganizationID), nullID(b.Target.UserID), b.MonthlyLimit, b.WarningThreshold,
		b.IsActive, b.AllowOverride, b.CurrentPeriodStart.UTC(), b.UpdatedAt, b.ID,
	)
	if isUniqueViolation(err) {
		return models.Budget{}, fmt.Errorf("%w: %s", ErrDuplicateTarget, b.Target)
	}
	if err != nil {
		return models.Budget{}, fmt.Errorf("update budget: %w", err)
	}
	return b, nil
}

const selectBudget = `SELECT id, organization_id, user_id, monthly_limit, warning_threshold, is_active,
	allow_override, current_period_start, created_at, updated_at FROM budgets`

type scanner interface {
	Scan(dest ...any) error
}

func scanBudget(row scanner) (models.Budget, error) {
	var b models.Budget
	var org, user sql.NullInt64
	var limit decimal.NullDecimal
	if err := row.Scan(&b.ID, &org, &user, &limit, &b.WarningThreshold, &b.IsActive,
		&b.AllowOverride, &b.CurrentPeriodStart, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return models.Budget{}, err
	}
	b.Target = models.BudgetTarget{OrganizationID: idPtr(org), UserID: idPtr(user)}
	b.MonthlyLimit = limit
	return b, nil
}

// Get returns a budget by ID.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (models.Budget, error) {
	b, err := scanBudget(s.db.QueryRowContext(ctx, selectBudget+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Budget{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return models.Budget{}, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

// ForTarget returns the budget attached to exactly this target.
func (s *SQLiteStore) ForTarget(ctx context.Context, target models.BudgetTarget) (models.Budget, error) {
	if err := target.Validate(); err != nil {
		return models.Budget{}, err
	}
	b, err := scanBudget(s.db.QueryRowContext(ctx,
		selectBudget+` WHERE COALESCE(organization_id, -1) = ? AND COALESCE(user_id, -1) = ?`,
		orMinusOne(target.OrganizationID), orMinusOne(target.UserID),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Budget{}, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	if err != nil {
		return models.Budget{}, fmt.Errorf("budget for target: %w", err)
	}
	return b, nil
}

func orMinusOne(id *int64) int64 {
	if id == nil {
		return -1
	}
	return *id
}

// Applicable returns the user, organization and global budgets, in that order.
func (s *SQLiteStore) Applicable(ctx context.Context, orgID, userID *int64) ([]models.Budget, error) {
	return s.query(ctx, selectBudget+`
		WHERE (organization_id IS NULL AND user_id IS NULL)
		   OR (organization_id = ? AND user_id IS NULL)
		   OR (user_id = ? AND organization_id IS NULL)
		ORDER BY CASE WHEN user_id IS NOT NULL THEN 0 WHEN organization_id IS NOT NULL THEN 1 ELSE 2 END`,
		nullID(orgID), nullID(userID),
	)
}

// List returns every budget ordered by ID.
func (s *SQLiteStore) List(ctx context.Context) ([]models.Budget, error) {
	return s.query(ctx, selectBudget+` ORDER BY id`)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]models.Budget, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var budgets []models.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

// Delete removes a budget.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// RollPeriod moves a budget to a new billing period.
func (s *SQLiteStore) RollPeriod(ctx context.Context, id int64, start time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET current_period_start = ?, updated_at = ? WHERE id = ?`,
		start.UTC(), s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("roll budget period: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
