package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ErrAmbiguousTarget is returned when a target names both an organization and a user.
var ErrAmbiguousTarget = errors.New("budget target cannot have both organization and user")

// DefaultWarningThreshold is the warning percentage used when none is configured.
const DefaultWarningThreshold = 80

// Scope identifies what a budget applies to.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeOrganization Scope = "organization"
	ScopeUser         Scope = "user"
)

// BudgetTarget identifies the spender a budget is attached to.
// Both IDs nil means global.
type BudgetTarget struct {
	OrganizationID *int64 `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	UserID         *int64 `json:"user_id,omitempty" yaml:"user_id,omitempty"`
}

// GlobalTarget returns the target shared by every spender.
func GlobalTarget() BudgetTarget { return BudgetTarget{} }

// OrganizationTarget returns a target scoped to one organization.
func OrganizationTarget(id int64) BudgetTarget { return BudgetTarget{OrganizationID: &id} }

// UserTarget returns a target scoped to one user.
func UserTarget(id int64) BudgetTarget { return BudgetTarget{UserID: &id} }

// Scope derives the scope from which identifier is set.
func (t BudgetTarget) Scope() Scope {
	switch {
	case t.UserID != nil:
		return ScopeUser
	case t.OrganizationID != nil:
		return ScopeOrganization
	default:
		return ScopeGlobal
	}
}

// Validate rejects targets that set both identifiers.
func (t BudgetTarget) Validate() error {
	if t.OrganizationID != nil && t.UserID != nil {
		return ErrAmbiguousTarget
	}
	return nil
}

// Equal reports whether two targets name the same spender.
func (t BudgetTarget) Equal(o BudgetTarget) bool {
	return eqID(t.OrganizationID, o.OrganizationID) && eqID(t.UserID, o.UserID)
}

func (t BudgetTarget) String() string {
	switch t.Scope() {
	case ScopeUser:
		return fmt.Sprintf("user:%d", *t.UserID)
	case ScopeOrganization:
		return fmt.Sprintf("organization:%d", *t.OrganizationID)
	default:
		return "global"
	}
}

func eqID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Budget is a monthly spending limit for a target.
type Budget struct {
	ID                 int64               `json:"id"`
	Target             BudgetTarget        `json:"target"`
	MonthlyLimit       decimal.NullDecimal `json:"monthly_limit"`
	WarningThreshold   int                 `json:"warning_threshold"`
	IsActive           bool                `json:"is_active"`
	AllowOverride      bool                `json:"allow_override"`
	CurrentPeriodStart time.Time           `json:"current_period_start"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Unlimited reports whether the budget has no monthly limit.
func (b Budget) Unlimited() bool { return !b.MonthlyLimit.Valid }

// StatusLevel classifies usage against a budget.
type StatusLevel string

const (
	StatusInactive  StatusLevel = "inactive"
	StatusUnlimited StatusLevel = "unlimited"
	StatusNormal    StatusLevel = "normal"
	StatusWarning   StatusLevel = "warning"
	StatusOverLimit StatusLevel = "over_limit"
)

// Severity orders levels so that a higher value is never better.
// Inactive and unlimited budgets never block and rank with normal.
func (l StatusLevel) Severity() int {
	switch l {
	case StatusWarning:
		return 1
	case StatusOverLimit:
		return 2
	default:
		return 0
	}
}

// BudgetStatus is the evaluated state of a budget for the current period.
type BudgetStatus struct {
	Budget      Budget              `json:"budget"`
	Level       StatusLevel         `json:"level"`
	Usage       decimal.Decimal     `json:"usage"`
	Limit       decimal.NullDecimal `json:"limit"`
	Percentage  decimal.NullDecimal `json:"usage_percentage"`
	Unbounded   bool                `json:"unbounded,omitempty"`
	Remaining   decimal.NullDecimal `json:"remaining"`
	PeriodStart time.Time           `json:"period_start"`
}

// PercentageFloat returns the usage percentage for display.
// A zero limit yields +Inf; an undefined percentage yields 0.
func (s BudgetStatus) PercentageFloat() float64 {
	if s.Unbounded {
		return math.Inf(1)
	}
	if !s.Percentage.Valid {
		return 0
	}
	return s.Percentage.Decimal.InexactFloat64()
}

// PercentageText formats the usage percentage for tables and messages.
func (s BudgetStatus) PercentageText() string {
	switch {
	case s.Unbounded:
		return "over"
	case !s.Percentage.Valid:
		return "-"
	default:
		return s.Percentage.Decimal.StringFixed(1) + "%"
	}
}
