package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/spendguard/pkg/models"
)

// costScale is the number of decimal places kept for stored costs.
const costScale = 6

// Tracker records and aggregates AI usage cost.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// QueryByTarget returns usage records attributed to a target since a given time.
	QueryByTarget(ctx context.Context, target models.BudgetTarget, since time.Time) ([]models.UsageRecord, error)
	// TotalCost returns the cost accumulated by a target since a given time.
	TotalCost(ctx context.Context, target models.BudgetTarget, since time.Time) (decimal.Decimal, error)
	// Summary returns usage grouped by organization, user and model.
	Summary(ctx context.Context, filter models.UsageFilter) ([]models.UsageSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER,
	user_id INTEGER,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost_micros INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_org_time ON usage_records(organization_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	// Add provider column to usage_records if missing.
	if !columnExists(db, "usage_records", "provider") {
		if _, err := db.Exec(`ALTER TABLE usage_records ADD COLUMN provider TEXT NOT NULL DEFAULT ''`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add provider column: %w", err)
		}
	}

	return &SQLiteTracker{db: db}, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

func toMicros(d decimal.Decimal) int64 {
	return d.Shift(costScale).Round(0).IntPart()
}

func fromMicros(v int64) decimal.Decimal {
	return decimal.New(v, -costScale)
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

// targetClause narrows a query to the rows attributed to a target.
// The global target matches every row.
func targetClause(target models.BudgetTarget) (string, []any) {
	switch target.Scope() {
	case models.ScopeUser:
		return " AND user_id = ?", []any{*target.UserID}
	case models.ScopeOrganization:
		return " AND organization_id = ?", []any{*target.OrganizationID}
	default:
		return "", nil
	}
}

// Record stores a usage record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.Cost.IsNegative() {
		return fmt.Errorf("record usage: negative cost %s", rec.Cost)
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (organization_id, user_id, model, provider, prompt_tokens, completion_tokens, total_tokens, cost_micros, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullID(rec.OrganizationID), nullID(rec.UserID), rec.Model, rec.Provider,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, toMicros(rec.Cost), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// QueryByTarget returns usage records for a target since a given time, newest first.
func (t *SQLiteTracker) QueryByTarget(ctx context.Context, target models.BudgetTarget, since time.Time) ([]models.UsageRecord, error) {
	clause, args := targetClause(target)
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, organization_id, user_id, model, provider, prompt_tokens, completion_tokens, total_tokens, cost_micros, created_at
		 FROM usage_records WHERE created_at >= ?`+clause+` ORDER BY created_at DESC`,
		append([]any{since.UTC()}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var org, user sql.NullInt64
		var micros int64
		if err := rows.Scan(&r.ID, &org, &user, &r.Model, &r.Provider, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &micros, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.OrganizationID = idPtr(org)
		r.UserID = idPtr(user)
		r.Cost = fromMicros(micros)
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalCost returns the cost accumulated by a target since a given time.
func (t *SQLiteTracker) TotalCost(ctx context.Context, target models.BudgetTarget, since time.Time) (decimal.Decimal, error) {
	clause, args := targetClause(target)
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_micros), 0) FROM usage_records WHERE created_at >= ?`+clause,
		append([]any{since.UTC()}, args...)...,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total cost: %w", err)
	}
	return fromMicros(total), nil
}

// Summary returns aggregated usage grouped by organization, user and model.
func (t *SQLiteTracker) Summary(ctx context.Context, filter models.UsageFilter) ([]models.UsageSummary, error) {
	query := `SELECT organization_id, user_id, model, COUNT(*), SUM(total_tokens), SUM(cost_micros)
		 FROM usage_records WHERE 1=1`
	var args []any
	if filter.OrganizationID != nil {
		query += ` AND organization_id = ?`
		args = append(args, *filter.OrganizationID)
	}
	if filter.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *filter.UserID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` GROUP BY organization_id, user_id, model ORDER BY organization_id, user_id, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		var org, user sql.NullInt64
		var micros int64
		if err := rows.Scan(&org, &user, &s.Model, &s.RequestCount, &s.TotalTokens, &micros); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.OrganizationID = idPtr(org)
		s.UserID = idPtr(user)
		s.TotalCost = fromMicros(micros)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
