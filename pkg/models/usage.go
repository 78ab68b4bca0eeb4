package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageRecord tracks the cost of a single billable AI call.
type UsageRecord struct {
	ID               int64           `json:"id"`
	OrganizationID   *int64          `json:"organization_id,omitempty"`
	UserID           *int64          `json:"user_id,omitempty"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider,omitempty"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	CreatedAt        time.Time       `json:"created_at"`
}

// UsageFilter narrows usage summaries.
type UsageFilter struct {
	OrganizationID *int64
	UserID         *int64
	Since          time.Time
}

// UsageSummary aggregates usage by organization, user and model.
type UsageSummary struct {
	OrganizationID *int64          `json:"organization_id,omitempty"`
	UserID         *int64          `json:"user_id,omitempty"`
	Model          string          `json:"model"`
	RequestCount   int             `json:"request_count"`
	TotalTokens    int64           `json:"total_tokens"`
	TotalCost      decimal.Decimal `json:"total_cost"`
}
