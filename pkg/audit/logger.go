package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/override"
)

// Logger writes and queries override decisions in a dedicated SQLite database.
// A nil *Logger discards writes.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	log  *zap.Logger
	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit SQLite database, creates the schema and starts the
// retention loop. logger may be nil.
func New(cfg models.AuditConfig, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		log:  logger,
		now:  time.Now,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS override_log (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		action_id        TEXT NOT NULL,
		session_id       TEXT,
		target           TEXT,
		outcome          TEXT NOT NULL,
		current_usage    TEXT,
		monthly_limit    TEXT,
		usage_percentage TEXT,
		message          TEXT,
		created_at       DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_override_action ON override_log(action_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_override_created ON override_log(created_at)`)
	return err
}

// Log inserts an override decision.
func (l *Logger) Log(ctx context.Context, entry models.OverrideLogEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	entry.Message = truncate(entry.Message, l.cfg.MaxMessageSize)

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO override_log
		(action_id, session_id, target, outcome, current_usage, monthly_limit,
		 usage_percentage, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ActionID, entry.SessionID, entry.Target, string(entry.Outcome),
		entry.CurrentUsage, entry.MonthlyLimit, entry.Percentage,
		entry.Message, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("log override: %w", err)
	}
	return nil
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "")
}

// EntryFromEvent converts a resolution event into a log entry.
func EntryFromEvent(ev override.Event) models.OverrideLogEntry {
	return models.OverrideLogEntry{
		ActionID:     ev.ActionID.String(),
		SessionID:    ev.SessionID,
		Target:       ev.Request.Target,
		Outcome:      ev.Signal.Outcome(),
		CurrentUsage: ev.Request.CurrentUsage,
		MonthlyLimit: ev.Request.MonthlyLimit,
		Percentage:   ev.Request.UsagePercentage,
		Message:      ev.Request.Message,
		CreatedAt:    ev.At,
	}
}

// OnOverride records a resolution event. It has the signature of an
// override.Handler so it can be subscribed to a bus directly.
func (l *Logger) OnOverride(ev override.Event) {
	if l == nil {
		return
	}
	if err := l.Log(context.Background(), EntryFromEvent(ev)); err != nil {
		l.log.Warn("audit override", zap.Stringer("action_id", ev.ActionID), zap.Error(err))
	}
}

// Query returns log entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.OverrideLogEntry, error) {
	q := `SELECT action_id, session_id, target, outcome, current_usage, monthly_limit,
		usage_percentage, message, created_at
		FROM override_log WHERE 1=1`
	var args []any

	if opts.ActionID != "" {
		q += " AND action_id = ?"
		args = append(args, opts.ActionID)
	}
	if opts.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.OverrideLogEntry
	for rows.Next() {
		var e models.OverrideLogEntry
		var sessionID, target, message sql.NullString
		var outcome string
		if err := rows.Scan(
			&e.ActionID, &sessionID, &target, &outcome,
			&e.CurrentUsage, &e.MonthlyLimit, &e.Percentage,
			&message, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.SessionID = sessionID.String
		e.Target = target.String
		e.Message = message.String
		e.Outcome = models.OverrideOutcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns decision counts grouped by outcome and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT outcome, substr(created_at, 1, 10) AS day, count(*) AS cnt
		 FROM override_log GROUP BY outcome, day ORDER BY day DESC, outcome`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var outcome string
		var day sql.NullString
		if err := rows.Scan(&outcome, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Outcome = models.OverrideOutcome(outcome)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
// A non-positive retention keeps everything.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := l.now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM override_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.log.Warn("audit retention", zap.Error(err))
			} else if n > 0 {
				l.log.Info("audit retention", zap.Int64("deleted", n))
			}
		}
	}
}
