package override

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendguard/pkg/models"
)

// ActionID correlates a pending confirmation with the action that opened it.
type ActionID uuid.UUID

// NewActionID returns a random action ID.
func NewActionID() ActionID { return ActionID(uuid.New()) }

// ParseActionID parses the canonical string form of an action ID.
func ParseActionID(s string) (ActionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ActionID{}, fmt.Errorf("parse action id: %w", err)
	}
	return ActionID(id), nil
}

// IsZero reports whether the ID is unset.
func (id ActionID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id ActionID) String() string {
	if id.IsZero() {
		return ""
	}
	return uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id ActionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ActionID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ActionID{}
		return nil
	}
	parsed, err := ParseActionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Request is the payload shown while an over-limit action awaits a decision.
// Unset amounts are null, never zero.
type Request struct {
	ActionID        ActionID            `json:"action_id"`
	Target          string              `json:"target,omitempty"`
	CurrentUsage    decimal.NullDecimal `json:"current_usage"`
	MonthlyLimit    decimal.NullDecimal `json:"monthly_limit"`
	UsagePercentage decimal.NullDecimal `json:"usage_percentage"`
	Message         string              `json:"message"`
}

// RequestFromStatus builds the confirmation payload for an over-limit status.
func RequestFromStatus(id ActionID, st models.BudgetStatus, message string) Request {
	return Request{
		ActionID:        id,
		Target:          st.Budget.Target.String(),
		CurrentUsage:    decimal.NewNullDecimal(st.Usage),
		MonthlyLimit:    st.Limit,
		UsagePercentage: st.Percentage,
		Message:         message,
	}
}

// RemainingBudget is max(0, limit - usage), or 0 while either is unknown.
func (r Request) RemainingBudget() decimal.Decimal {
	if !r.CurrentUsage.Valid || !r.MonthlyLimit.Valid {
		return decimal.Zero
	}
	return decimal.Max(decimal.Zero, r.MonthlyLimit.Decimal.Sub(r.CurrentUsage.Decimal))
}

// OverageAmount is max(0, usage - limit), or 0 while either is unknown.
func (r Request) OverageAmount() decimal.Decimal {
	if !r.CurrentUsage.Valid || !r.MonthlyLimit.Valid {
		return decimal.Zero
	}
	return decimal.Max(decimal.Zero, r.CurrentUsage.Decimal.Sub(r.MonthlyLimit.Decimal))
}
