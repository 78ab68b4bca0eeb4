package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OverrideOutcome records how an override confirmation ended.
type OverrideOutcome string

const (
	OutcomeConfirmed OverrideOutcome = "confirmed"
	OutcomeCancelled OverrideOutcome = "cancelled"
	OutcomeRejected  OverrideOutcome = "rejected"
)

// OverrideLogEntry is one audited override decision.
type OverrideLogEntry struct {
	ActionID     string              `json:"action_id"`
	SessionID    string              `json:"session_id,omitempty"`
	Target       string              `json:"target,omitempty"`
	Outcome      OverrideOutcome     `json:"outcome"`
	CurrentUsage decimal.NullDecimal `json:"current_usage"`
	MonthlyLimit decimal.NullDecimal `json:"monthly_limit"`
	Percentage   decimal.NullDecimal `json:"usage_percentage"`
	Message      string              `json:"message,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// AuditConfig controls the override audit log.
type AuditConfig struct {
	Enabled        bool   `yaml:"enabled"`
	DBPath         string `yaml:"db_path"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxMessageSize int    `yaml:"max_message_size"` // bytes
}

// AuditQueryOpts specifies filters for querying the override log.
type AuditQueryOpts struct {
	ActionID  string
	SessionID string
	Outcome   OverrideOutcome
	Since     time.Time
	Limit     int
}

// AuditStat holds override counts for an outcome/day combination.
type AuditStat struct {
	Outcome OverrideOutcome
	Day     string
	Count   int
}
