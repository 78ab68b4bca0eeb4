package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pario-ai/spendguard/pkg/audit"
	"github.com/pario-ai/spendguard/pkg/budget"
	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/override"
)

func newCheckCmd(configPath *string) *cobra.Command {
	var (
		org, uid int64
		model    string
		estimate string
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check budgets before an AI action, confirming overrides interactively",
		Long: "Check the budgets that apply to an action. When a budget is over its\n" +
			"limit but allows overrides, ask for confirmation on the terminal.\n" +
			"Exits non-zero when the action must not proceed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			est := decimal.Zero
			if estimate != "" {
				var err error
				if est, err = decimal.NewFromString(estimate); err != nil {
					return fmt.Errorf("invalid --estimate %q", estimate)
				}
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			d, err := a.guard().Authorize(ctx, budget.Action{
				OrganizationID: idFlag(cmd, "org", org),
				UserID:         idFlag(cmd, "user", uid),
				Model:          model,
				EstimatedCost:  est,
			})
			if err != nil {
				return err
			}
			if err := writeStatuses(os.Stdout, d.Statuses); err != nil {
				return err
			}

			var auditor *audit.Logger
			if a.cfg.Audit.Enabled {
				if auditor, err = audit.New(a.cfg.Audit, a.log); err != nil {
					return fmt.Errorf("init audit: %w", err)
				}
				defer func() { _ = auditor.Close() }()
			}

			switch d.Verdict {
			case budget.VerdictAllow:
				fmt.Println("\nWithin budget.")
				return nil
			case budget.VerdictWarn:
				fmt.Printf("\nWarning: the %s budget is at %s of its monthly limit.\n",
					d.Worst.Budget.Target.Scope(), d.Worst.PercentageText())
				return nil
			case budget.VerdictReject:
				id := override.NewActionID()
				_ = auditor.Log(ctx, models.OverrideLogEntry{
					ActionID:     id.String(),
					SessionID:    terminalSession(),
					Target:       d.Worst.Budget.Target.String(),
					Outcome:      models.OutcomeRejected,
					CurrentUsage: decimal.NewNullDecimal(d.Worst.Usage),
					MonthlyLimit: d.Worst.Limit,
					Percentage:   d.Worst.Percentage,
				})
				return d.Err()
			}

			bus := override.NewBus()
			bus.SubscribeAll(auditor.OnOverride)

			in := io.Reader(os.Stdin)
			if yes {
				in = strings.NewReader("y\n")
			}
			ev, err := confirmOverride(ctx, in, os.Stdout, bus, terminalSession(), d.Worst)
			if err != nil {
				return err
			}
			if !ev.Signal.Proceed() {
				return errors.New("override cancelled")
			}
			fmt.Printf("Override confirmed (action %s).\n", ev.ActionID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&org, "org", 0, "organization ID")
	cmd.Flags().Int64Var(&uid, "user", 0, "user ID")
	cmd.Flags().StringVar(&model, "model", "", "model the action will use")
	cmd.Flags().StringVar(&estimate, "estimate", "", "estimated cost of the action")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm any override without prompting")
	return cmd
}

// confirmOverride opens a confirmation for st, asks on out, reads the answer
// from in and returns the resolution event. Anything other than yes cancels.
func confirmOverride(ctx context.Context, in io.Reader, out io.Writer, bus *override.Bus, session string, st models.BudgetStatus) (override.Event, error) {
	wf := override.NewWorkflow(session, bus)
	id := override.NewActionID()
	wait := bus.Expect(id)

	if err := wf.Open(override.RequestFromStatus(id, st, budget.OverrideMessage(st))); err != nil {
		return override.Event{}, err
	}

	view := wf.View()
	fmt.Fprintf(out, "\n%s\n", view.Request.Message)
	if view.OverageAmount.IsPositive() {
		fmt.Fprintf(out, "Overage: %s\n", view.OverageAmount.StringFixed(2))
	}
	fmt.Fprint(out, "Proceed? [y/N] ")

	if readYes(in) {
		_, err := wf.Confirm(id)
		if err != nil {
			return override.Event{}, err
		}
	} else if _, err := wf.Cancel(id); err != nil {
		return override.Event{}, err
	}
	return wait(ctx)
}

func readYes(in io.Reader) bool {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func terminalSession() string {
	if u, err := user.Current(); err == nil {
		return "cli:" + u.Username
	}
	return "cli"
}
