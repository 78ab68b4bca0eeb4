package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pario-ai/spendguard/pkg/budget"
	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/store"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage monthly AI spend budgets",
	}

	cmd.AddCommand(
		newBudgetListCmd(configPath),
		newBudgetSetCmd(configPath),
		newBudgetDeleteCmd(configPath),
		newBudgetStatusCmd(configPath),
		newBudgetRollCmd(configPath),
	)
	return cmd
}

func newBudgetListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			budgets, err := a.store.List(context.Background())
			if err != nil {
				return err
			}
			return writeBudgets(os.Stdout, budgets)
		},
	}
}

func newBudgetSetCmd(configPath *string) *cobra.Command {
	var (
		org, user     int64
		limit         string
		threshold     int
		allowOverride bool
		active        bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update the budget for a target",
		Long: "Create or update the budget for a target. Without --org or --user the\n" +
			"global budget is set. Use --limit unlimited to remove the monthly limit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := models.BudgetTarget{
				OrganizationID: idFlag(cmd, "org", org),
				UserID:         idFlag(cmd, "user", user),
			}
			if err := target.Validate(); err != nil {
				return err
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := context.Background()

			b, err := a.store.ForTarget(ctx, target)
			exists := err == nil
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if !exists {
				b = models.Budget{
					Target:           target,
					WarningThreshold: a.cfg.Budget.DefaultWarningThreshold,
					IsActive:         true,
				}
			}

			flags := cmd.Flags()
			if flags.Changed("limit") {
				b.MonthlyLimit, err = parseLimit(limit)
				if err != nil {
					return err
				}
			}
			if flags.Changed("threshold") {
				b.WarningThreshold = threshold
			}
			if flags.Changed("allow-override") {
				b.AllowOverride = allowOverride
			}
			if flags.Changed("active") {
				b.IsActive = active
			}

			if exists {
				b, err = a.store.Update(ctx, b)
			} else {
				b, err = a.store.Create(ctx, b)
			}
			if err != nil {
				return err
			}
			return writeBudgets(os.Stdout, []models.Budget{b})
		},
	}

	cmd.Flags().Int64Var(&org, "org", 0, "organization ID")
	cmd.Flags().Int64Var(&user, "user", 0, "user ID")
	cmd.Flags().StringVar(&limit, "limit", "", "monthly limit, or \"unlimited\"")
	cmd.Flags().IntVar(&threshold, "threshold", models.DefaultWarningThreshold, "warning threshold percentage (0-100)")
	cmd.Flags().BoolVar(&allowOverride, "allow-override", false, "allow confirmed overrides when over the limit")
	cmd.Flags().BoolVar(&active, "active", true, "whether the budget is enforced")
	return cmd
}

func newBudgetDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a budget by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid budget ID %q", args[0])
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Delete(context.Background(), id); err != nil {
				return err
			}
			fmt.Printf("Deleted budget %d.\n", id)
			return nil
		},
	}
}

func newBudgetStatusCmd(configPath *string) *cobra.Command {
	var org, user int64

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget usage vs limits for the current month",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			orgID, userID := idFlag(cmd, "org", org), idFlag(cmd, "user", user)
			g := a.guard()
			var statuses []models.BudgetStatus
			if orgID == nil && userID == nil {
				statuses, err = g.StatusAll(context.Background())
			} else {
				statuses, err = g.Status(context.Background(), orgID, userID)
			}
			if err != nil {
				return err
			}
			return writeStatuses(os.Stdout, statuses)
		},
	}

	cmd.Flags().Int64Var(&org, "org", 0, "organization ID")
	cmd.Flags().Int64Var(&user, "user", 0, "user ID")
	return cmd
}

func newBudgetRollCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "roll [id...]",
		Short: "Move budgets to the current monthly period",
		Long:  "Move the given budgets, or all budgets when none are given, to the current monthly period.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := context.Background()

			var ids []int64
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid budget ID %q", arg)
				}
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				budgets, err := a.store.List(ctx)
				if err != nil {
					return err
				}
				for _, b := range budgets {
					ids = append(ids, b.ID)
				}
			}

			start := budget.PeriodStart(time.Now())
			for _, id := range ids {
				if err := a.store.RollPeriod(ctx, id, start); err != nil {
					return fmt.Errorf("roll budget %d: %w", id, err)
				}
			}
			fmt.Printf("Rolled %d budget(s) to %s.\n", len(ids), start.Format("2006-01"))
			return nil
		},
	}
}

// parseLimit accepts a non-negative amount, or "unlimited"/"" for no limit.
func parseLimit(s string) (decimal.NullDecimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unlimited") {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid limit %q", s)
	}
	if d.IsNegative() {
		return decimal.NullDecimal{}, fmt.Errorf("limit must not be negative")
	}
	return decimal.NewNullDecimal(d), nil
}

func limitText(d decimal.NullDecimal) string {
	if !d.Valid {
		return "unlimited"
	}
	return d.Decimal.StringFixed(2)
}

func amountText(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}

func writeBudgets(out io.Writer, budgets []models.Budget) error {
	if len(budgets) == 0 {
		fmt.Fprintln(out, "No budgets found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tMONTHLY LIMIT\tWARN AT\tACTIVE\tOVERRIDE\tPERIOD")
	for _, b := range budgets {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d%%\t%t\t%t\t%s\n",
			b.ID, b.Target, limitText(b.MonthlyLimit), b.WarningThreshold,
			b.IsActive, b.AllowOverride, b.CurrentPeriodStart.Format("2006-01"))
	}
	return w.Flush()
}

func writeStatuses(out io.Writer, statuses []models.BudgetStatus) error {
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No budgets found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tLEVEL\tLIMIT\tUSED\tREMAINING\tUSAGE")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Budget.Target, s.Level, limitText(s.Limit), s.Usage.StringFixed(2),
			amountText(s.Remaining), s.PercentageText())
	}
	return w.Flush()
}
