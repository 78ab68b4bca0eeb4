package mcp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendguard/pkg/budget"
	"github.com/pario-ai/spendguard/pkg/models"
)

func idText(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func amountText(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-8s %-25s %8s %12s %12s\n",
		"Org", "User", "Model", "Requests", "Tokens", "Cost")
	b.WriteString(strings.Repeat("-", 78) + "\n")
	total := decimal.Zero
	for _, r := range rows {
		fmt.Fprintf(&b, "%-8s %-8s %-25s %8d %12d %12s\n",
			idText(r.OrganizationID), idText(r.UserID), r.Model,
			r.RequestCount, r.TotalTokens, r.TotalCost.StringFixed(2))
		total = total.Add(r.TotalCost)
	}
	fmt.Fprintf(&b, "%-8s %-8s %-25s %8s %12s %12s\n", "", "", "Total", "", "", total.StringFixed(2))
	return b.String()
}

// formatBudgetStatus formats budget statuses as a text table.
func formatBudgetStatus(statuses []models.BudgetStatus) string {
	if len(statuses) == 0 {
		return "No budgets found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-11s %12s %12s %12s %8s\n",
		"Target", "Level", "Limit", "Used", "Remaining", "Usage%")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, s := range statuses {
		fmt.Fprintf(&b, "%-20s %-11s %12s %12s %12s %8s\n",
			s.Budget.Target, s.Level, amountText(s.Limit), s.Usage.StringFixed(2),
			amountText(s.Remaining), s.PercentageText())
	}
	return b.String()
}

// formatDecision describes the outcome of a dry-run budget check.
func formatDecision(d budget.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verdict: %s\n", d.Verdict)
	switch d.Verdict {
	case budget.VerdictConfirm:
		b.WriteString(budget.OverrideMessage(d.Worst) + "\n")
	case budget.VerdictReject:
		fmt.Fprintf(&b, "The %s budget is over its monthly limit and does not allow overrides.\n",
			d.Worst.Budget.Target.Scope())
	}
	if len(d.Statuses) > 0 {
		b.WriteString("\n" + formatBudgetStatus(d.Statuses))
	}
	return b.String()
}

// formatOverrideLog formats override decisions as a text table.
func formatOverrideLog(entries []models.OverrideLogEntry) string {
	if len(entries) == 0 {
		return "No override decisions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-36s %-16s %-10s %10s %10s %8s\n",
		"Time", "Action ID", "Target", "Outcome", "Usage", "Limit", "Usage%")
	b.WriteString(strings.Repeat("-", 118) + "\n")
	for _, e := range entries {
		pct := "-"
		if e.Percentage.Valid {
			pct = e.Percentage.Decimal.StringFixed(1) + "%"
		}
		fmt.Fprintf(&b, "%-20s %-36s %-16s %-10s %10s %10s %8s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.ActionID, e.Target, e.Outcome,
			amountText(e.CurrentUsage), amountText(e.MonthlyLimit), pct)
	}
	return b.String()
}
