package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pario-ai/spendguard/pkg/budget"
	"github.com/pario-ai/spendguard/pkg/models"
)

func newUsageCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Record and summarize AI usage cost",
	}
	cmd.AddCommand(newUsageRecordCmd(configPath), newUsageSummaryCmd(configPath))
	return cmd
}

func newUsageRecordCmd(configPath *string) *cobra.Command {
	var (
		org, user        int64
		model, provider  string
		cost             string
		prompt, complete int
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the cost of a completed AI call",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := decimal.NewFromString(cost)
			if err != nil {
				return fmt.Errorf("invalid --cost %q", cost)
			}
			if c.IsNegative() {
				return fmt.Errorf("--cost must not be negative")
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			rec := models.UsageRecord{
				OrganizationID:   idFlag(cmd, "org", org),
				UserID:           idFlag(cmd, "user", user),
				Model:            model,
				Provider:         provider,
				PromptTokens:     prompt,
				CompletionTokens: complete,
				TotalTokens:      prompt + complete,
				Cost:             c,
			}
			if err := a.tracker.Record(context.Background(), rec); err != nil {
				return err
			}
			fmt.Printf("Recorded %s for %s.\n", c.StringFixed(2), model)
			return nil
		},
	}

	cmd.Flags().Int64Var(&org, "org", 0, "organization ID")
	cmd.Flags().Int64Var(&user, "user", 0, "user ID")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&provider, "provider", "", "provider name")
	cmd.Flags().StringVar(&cost, "cost", "0", "cost of the call")
	cmd.Flags().IntVar(&prompt, "prompt-tokens", 0, "prompt tokens")
	cmd.Flags().IntVar(&complete, "completion-tokens", 0, "completion tokens")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newUsageSummaryCmd(configPath *string) *cobra.Command {
	var (
		org, user int64
		since     string
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show usage grouped by organization, user and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.UsageFilter{
				OrganizationID: idFlag(cmd, "org", org),
				UserID:         idFlag(cmd, "user", user),
				Since:          budget.PeriodStart(time.Now()),
			}
			if since != "" {
				t, err := parseDay(since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				filter.Since = t
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			rows, err := a.tracker.Summary(context.Background(), filter)
			if err != nil {
				return err
			}
			return writeSummary(os.Stdout, rows)
		},
	}

	cmd.Flags().Int64Var(&org, "org", 0, "organization ID")
	cmd.Flags().Int64Var(&user, "user", 0, "user ID")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD), default start of month")
	return cmd
}

func idText(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func writeSummary(out io.Writer, rows []models.UsageSummary) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No usage data found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORG\tUSER\tMODEL\tREQUESTS\tTOKENS\tCOST")
	total := decimal.Zero
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			idText(r.OrganizationID), idText(r.UserID), r.Model,
			r.RequestCount, r.TotalTokens, r.TotalCost.StringFixed(2))
		total = total.Add(r.TotalCost)
	}
	fmt.Fprintf(w, "\t\tTOTAL\t\t\t%s\n", total.StringFixed(2))
	return w.Flush()
}
