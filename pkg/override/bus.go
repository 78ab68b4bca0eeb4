package override

import (
	"context"
	"sync"
	"time"

	"github.com/pario-ai/spendguard/pkg/models"
)

// Signal names the outcome event emitted when a confirmation resolves.
type Signal string

const (
	SignalConfirmed Signal = "budget-override-confirmed"
	SignalCancelled Signal = "budget-override-cancelled"
)

// Outcome maps the signal to the audited outcome.
func (s Signal) Outcome() models.OverrideOutcome {
	if s == SignalConfirmed {
		return models.OutcomeConfirmed
	}
	return models.OutcomeCancelled
}

// Proceed reports whether the initiator may go ahead with the action.
func (s Signal) Proceed() bool { return s == SignalConfirmed }

// Event is emitted exactly once per opened confirmation.
type Event struct {
	Signal    Signal    `json:"signal"`
	ActionID  ActionID  `json:"action_id"`
	SessionID string    `json:"session_id,omitempty"`
	Request   Request   `json:"request"`
	At        time.Time `json:"at"`
}

// Publisher receives resolution events from workflows.
type Publisher interface {
	Publish(Event)
}

// Handler consumes an event. Handlers run synchronously on the publishing goroutine.
type Handler func(Event)

// Bus is a subscription table from signal name to handlers. It also lets
// an initiator block until its own action resolves.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Signal][]Handler
	waiters  map[ActionID]chan Event
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Signal][]Handler),
		waiters:  make(map[ActionID]chan Event),
	}
}

// Subscribe registers h for one signal.
func (b *Bus) Subscribe(sig Signal, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[sig] = append(b.handlers[sig], h)
}

// SubscribeAll registers h for both outcome signals.
func (b *Bus) SubscribeAll(h Handler) {
	b.Subscribe(SignalConfirmed, h)
	b.Subscribe(SignalCancelled, h)
}

// Publish delivers ev to the handlers of its signal and to a waiter on its action.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[ev.Signal]...)
	ch, waiting := b.waiters[ev.ActionID]
	if waiting {
		delete(b.waiters, ev.ActionID)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	if waiting {
		ch <- ev
	}
}

// Expect registers interest in an action before it can resolve. The
// returned function blocks until the action resolves or ctx is done.
func (b *Bus) Expect(id ActionID) func(ctx context.Context) (Event, error) {
	ch := make(chan Event, 1)
	b.mu.Lock()
	b.waiters[id] = ch
	b.mu.Unlock()

	return func(ctx context.Context) (Event, error) {
		select {
		case ev := <-ch:
			return ev, nil
		case <-ctx.Done():
			b.mu.Lock()
			if b.waiters[id] == ch {
				delete(b.waiters, id)
			}
			b.mu.Unlock()
			return Event{}, ctx.Err()
		}
	}
}
