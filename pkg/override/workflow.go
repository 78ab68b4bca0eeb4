package override

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/spendguard/pkg/models"
)

var (
	// ErrNoPendingConfirmation is returned when confirm or cancel arrives while idle.
	ErrNoPendingConfirmation = errors.New("no pending override confirmation")
	// ErrActionMismatch is returned when confirm or cancel names a different action.
	ErrActionMismatch = errors.New("action id does not match pending confirmation")
	// ErrInvalidAction is returned when a confirmation is opened without an action ID.
	ErrInvalidAction = errors.New("override confirmation requires an action id")
)

// State is the position of a workflow in the confirmation lifecycle.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingConfirmation State = "awaiting_confirmation"
)

// Resolution is the result of a confirm or cancel.
type Resolution struct {
	ActionID ActionID               `json:"action_id"`
	Outcome  models.OverrideOutcome `json:"outcome"`
	Proceed  bool                   `json:"proceed"`
}

// View is the render model of a workflow.
type View struct {
	State           State           `json:"state"`
	Visible         bool            `json:"visible"`
	Request         Request         `json:"request"`
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	OverageAmount   decimal.Decimal `json:"overage_amount"`
	OpenedAt        time.Time       `json:"opened_at,omitempty"`
}

// Workflow holds at most one pending override confirmation for a session.
//
// Opening a confirmation while another is pending replaces it; the
// replaced action is resolved as cancelled so that every opened action
// gets exactly one signal. Resolution returns the workflow to idle and
// clears the payload.
type Workflow struct {
	mu       sync.Mutex
	session  string
	pub      Publisher
	now      func() time.Time
	state    State
	visible  bool
	pending  Request
	openedAt time.Time
	touched  time.Time
}

// NewWorkflow creates an idle workflow for a session. pub may be nil.
func NewWorkflow(sessionID string, pub Publisher) *Workflow {
	w := &Workflow{
		session: sessionID,
		pub:     pub,
		now:     time.Now,
		state:   StateIdle,
	}
	w.touched = w.now()
	return w
}

// Open shows a confirmation for req.
func (w *Workflow) Open(req Request) error {
	if req.ActionID.IsZero() {
		return ErrInvalidAction
	}

	w.mu.Lock()
	var superseded *Event
	if w.state == StateAwaitingConfirmation && w.pending.ActionID != req.ActionID {
		ev := w.event(SignalCancelled)
		superseded = &ev
	}
	w.state = StateAwaitingConfirmation
	w.visible = true
	w.pending = req
	w.openedAt = w.now()
	w.touched = w.openedAt
	w.mu.Unlock()

	if superseded != nil {
		w.publish(*superseded)
	}
	return nil
}

// Confirm resolves the pending confirmation for id and emits SignalConfirmed.
func (w *Workflow) Confirm(id ActionID) (Resolution, error) {
	return w.resolve(id, SignalConfirmed)
}

// Cancel resolves the pending confirmation for id and emits SignalCancelled.
func (w *Workflow) Cancel(id ActionID) (Resolution, error) {
	return w.resolve(id, SignalCancelled)
}

// Close dismisses whatever is pending as cancelled. It reports false when idle.
func (w *Workflow) Close() (Resolution, bool) {
	w.mu.Lock()
	if w.state != StateAwaitingConfirmation {
		w.mu.Unlock()
		return Resolution{}, false
	}
	id := w.pending.ActionID
	w.mu.Unlock()

	res, err := w.resolve(id, SignalCancelled)
	return res, err == nil
}

// ExpireOlderThan cancels the pending confirmation if it has waited longer than ttl.
func (w *Workflow) ExpireOlderThan(ttl time.Duration, now time.Time) bool {
	w.mu.Lock()
	expired := w.state == StateAwaitingConfirmation && now.Sub(w.openedAt) > ttl
	w.mu.Unlock()
	if !expired {
		return false
	}
	_, ok := w.Close()
	return ok
}

func (w *Workflow) resolve(id ActionID, sig Signal) (Resolution, error) {
	w.mu.Lock()
	if w.state != StateAwaitingConfirmation {
		w.mu.Unlock()
		return Resolution{}, ErrNoPendingConfirmation
	}
	if id != w.pending.ActionID {
		w.mu.Unlock()
		return Resolution{}, ErrActionMismatch
	}
	ev := w.event(sig)
	w.reset()
	w.mu.Unlock()

	w.publish(ev)
	return Resolution{ActionID: id, Outcome: sig.Outcome(), Proceed: sig.Proceed()}, nil
}

// event must be called with mu held.
func (w *Workflow) event(sig Signal) Event {
	return Event{
		Signal:    sig,
		ActionID:  w.pending.ActionID,
		SessionID: w.session,
		Request:   w.pending,
		At:        w.now(),
	}
}

// reset must be called with mu held.
func (w *Workflow) reset() {
	w.state = StateIdle
	w.visible = false
	w.pending = Request{}
	w.openedAt = time.Time{}
	w.touched = w.now()
}

func (w *Workflow) publish(ev Event) {
	if w.pub != nil {
		w.pub.Publish(ev)
	}
}

// State returns the current state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending returns the pending request, if any.
func (w *Workflow) Pending() (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending, w.state == StateAwaitingConfirmation
}

// View snapshots the workflow for rendering.
func (w *Workflow) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return View{
		State:           w.state,
		Visible:         w.visible,
		Request:         w.pending,
		RemainingBudget: w.pending.RemainingBudget(),
		OverageAmount:   w.pending.OverageAmount(),
		OpenedAt:        w.openedAt,
	}
}

// RemainingBudget is the unspent allowance shown in the confirmation.
func (w *Workflow) RemainingBudget() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.RemainingBudget()
}

// OverageAmount is the spend above the limit shown in the confirmation.
func (w *Workflow) OverageAmount() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.OverageAmount()
}

func (w *Workflow) idleSince() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.touched, w.state == StateIdle
}
