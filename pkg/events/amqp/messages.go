package amqp

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/override"
)

// OverrideMessage is the broker payload for a resolved override confirmation.
type OverrideMessage struct {
	ActionID        string                 `json:"action_id"`
	SessionID       string                 `json:"session_id,omitempty"`
	Signal          string                 `json:"signal"`
	Outcome         models.OverrideOutcome `json:"outcome"`
	Proceed         bool                   `json:"proceed"`
	Target          string                 `json:"target,omitempty"`
	CurrentUsage    decimal.NullDecimal    `json:"current_usage"`
	MonthlyLimit    decimal.NullDecimal    `json:"monthly_limit"`
	UsagePercentage decimal.NullDecimal    `json:"usage_percentage"`
	Timestamp       time.Time              `json:"timestamp"`
}

// NewOverrideMessage builds a message from a resolution event.
func NewOverrideMessage(ev override.Event) *OverrideMessage {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return &OverrideMessage{
		ActionID:        ev.ActionID.String(),
		SessionID:       ev.SessionID,
		Signal:          string(ev.Signal),
		Outcome:         ev.Signal.Outcome(),
		Proceed:         ev.Signal.Proceed(),
		Target:          ev.Request.Target,
		CurrentUsage:    ev.Request.CurrentUsage,
		MonthlyLimit:    ev.Request.MonthlyLimit,
		UsagePercentage: ev.Request.UsagePercentage,
		Timestamp:       ts.UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *OverrideMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// OverrideMessageFromJSON decodes a message from JSON bytes
func OverrideMessageFromJSON(data []byte) (*OverrideMessage, error) {
	var msg OverrideMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
