package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendguard/pkg/budget"
	"github.com/pario-ai/spendguard/pkg/models"
)

// Tool argument structs.

type targetArgs struct {
	OrganizationID *int64 `json:"organization_id"`
	UserID         *int64 `json:"user_id"`
}

type usageArgs struct {
	targetArgs
	Since string `json:"since"`
}

type checkArgs struct {
	targetArgs
	Model         string          `json:"model"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

type overrideLogArgs struct {
	ActionID  string `json:"action_id"`
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
	Since     string `json:"since"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"spendguard_budget_status": handleBudgetStatus,
	"spendguard_check":         handleCheck,
	"spendguard_usage":         handleUsage,
	"spendguard_override_log":  handleOverrideLog,
}

var targetProperties = map[string]any{
	"organization_id": map[string]any{
		"type":        "integer",
		"description": "Organization ID (optional)",
	},
	"user_id": map[string]any{
		"type":        "integer",
		"description": "User ID (optional)",
	},
}

func withTarget(extra map[string]any) map[string]any {
	props := make(map[string]any, len(targetProperties)+len(extra))
	for k, v := range targetProperties {
		props[k] = v
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "spendguard_budget_status",
		Description: "Show monthly AI budget status (usage against limits) for an organization and user, or every budget when both are omitted.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": targetProperties,
		},
	},
	{
		Name:        "spendguard_check",
		Description: "Dry-run a budget check for an AI action and report whether it would be allowed, warned, need override confirmation, or be rejected.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": withTarget(map[string]any{
				"model": map[string]any{
					"type":        "string",
					"description": "Model the action will call (optional)",
				},
				"estimated_cost": map[string]any{
					"type":        "number",
					"description": "Expected cost of the action (optional)",
				},
			}),
		},
	},
	{
		Name:        "spendguard_usage",
		Description: "Show recorded AI usage grouped by organization, user and model.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": withTarget(map[string]any{
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional, defaults to start of month)",
				},
			}),
		},
	},
	{
		Name:        "spendguard_override_log",
		Description: "Search the history of budget override decisions (confirmed, cancelled, rejected).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action_id": map[string]any{
					"type":        "string",
					"description": "Filter by action ID (optional)",
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Filter by session ID (optional)",
				},
				"outcome": map[string]any{
					"type":        "string",
					"enum":        []string{"confirmed", "cancelled", "rejected"},
					"description": "Filter by outcome (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func parseSince(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	return time.Parse("2006-01-02", v)
}

func handleBudgetStatus(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.guard == nil {
		return textResult("Budgets are not configured.")
	}
	var args targetArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	var statuses []models.BudgetStatus
	var err error
	if args.OrganizationID == nil && args.UserID == nil {
		statuses, err = s.guard.StatusAll(ctx)
	} else {
		statuses, err = s.guard.Status(ctx, args.OrganizationID, args.UserID)
	}
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	return textResult(formatBudgetStatus(statuses))
}

func handleCheck(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.guard == nil {
		return textResult("Budgets are not configured.")
	}
	var args checkArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	d, err := s.guard.Authorize(ctx, budget.Action{
		OrganizationID: args.OrganizationID,
		UserID:         args.UserID,
		Model:          args.Model,
		EstimatedCost:  args.EstimatedCost,
	})
	if err != nil {
		return errorResult("Error checking budget: " + err.Error())
	}
	return textResult(formatDecision(d))
}

func handleUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args usageArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	since, err := parseSince(args.Since, budget.PeriodStart(time.Now()))
	if err != nil {
		return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
	}

	rows, err := s.tracker.Summary(ctx, models.UsageFilter{
		OrganizationID: args.OrganizationID,
		UserID:         args.UserID,
		Since:          since,
	})
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

func handleOverrideLog(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.auditor == nil {
		return textResult("Override audit logging is not configured.")
	}
	var args overrideLogArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	opts := models.AuditQueryOpts{
		ActionID:  args.ActionID,
		SessionID: args.SessionID,
		Outcome:   models.OverrideOutcome(args.Outcome),
		Limit:     50,
	}
	since, err := parseSince(args.Since, time.Time{})
	if err != nil {
		return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
	}
	opts.Since = since

	entries, err := s.auditor.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching override log: " + err.Error())
	}
	return textResult(formatOverrideLog(entries))
}
