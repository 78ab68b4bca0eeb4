package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/spendguard/pkg/audit"
	"github.com/pario-ai/spendguard/pkg/logging"
	"github.com/pario-ai/spendguard/pkg/models"
)

func newAuditCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the override decision log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(configPath),
		newAuditStatsCmd(configPath),
		newAuditCleanupCmd(configPath),
	)
	return cmd
}

func newAuditSearchCmd(configPath *string) *cobra.Command {
	var (
		actionID string
		session  string
		outcome  string
		since    string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search override decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := models.AuditQueryOpts{
				ActionID:  actionID,
				SessionID: session,
				Outcome:   models.OverrideOutcome(outcome),
				Limit:     limit,
			}
			if since != "" {
				t, err := parseDay(since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				opts.Since = t
			}

			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&actionID, "action-id", "", "filter by action ID")
	cmd.Flags().StringVar(&session, "session", "", "filter by session ID")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (confirmed, cancelled, rejected)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show override decision counts by outcome and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}
}

func newAuditCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete decisions older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		logger = zap.NewNop()
	}

	l, err := audit.New(cfg.Audit, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.OverrideLogEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-16s %-18s %-9s %10s %10s %8s %-19s\n",
		"ACTION ID", "SESSION", "TARGET", "OUTCOME", "USAGE", "LIMIT", "USAGE%", "TIME")
	b.WriteString(strings.Repeat("-", 133) + "\n")
	for _, e := range entries {
		pct := "-"
		if e.Percentage.Valid {
			pct = e.Percentage.Decimal.StringFixed(1) + "%"
		}
		fmt.Fprintf(&b, "%-36s %-16s %-18s %-9s %10s %10s %8s %-19s\n",
			e.ActionID, e.SessionID, e.Target, e.Outcome,
			amountText(e.CurrentUsage), amountText(e.MonthlyLimit), pct,
			e.CreatedAt.Format(time.DateTime))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-10s %8s\n", "DAY", "OUTCOME", "COUNT")
	b.WriteString(strings.Repeat("-", 32) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s %-10s %8d\n", s.Day, s.Outcome, s.Count)
	}
	return b.String()
}
