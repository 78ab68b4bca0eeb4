package override

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry owns one Workflow per interactive session.
type Registry struct {
	mu        sync.Mutex
	workflows map[string]*Workflow
	pub       Publisher
	ttl       time.Duration
	idleTTL   time.Duration
	log       *zap.Logger
}

// NewRegistry creates a Registry. A zero ttl means pending confirmations never expire.
func NewRegistry(pub Publisher, ttl time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		workflows: make(map[string]*Workflow),
		pub:       pub,
		ttl:       ttl,
		idleTTL:   time.Hour,
		log:       logger,
	}
}

// Session returns the workflow for a session, creating it on first use.
func (r *Registry) Session(id string) *Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	if !ok {
		w = NewWorkflow(id, r.pub)
		r.workflows[id] = w
	}
	return w
}

// Lookup returns an existing workflow without creating one.
func (r *Registry) Lookup(id string) (*Workflow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workflows[id]
	return w, ok
}

// Pending counts sessions with a confirmation awaiting a decision.
func (r *Registry) Pending() int {
	n := 0
	for _, w := range r.snapshot() {
		if w.State() == StateAwaitingConfirmation {
			n++
		}
	}
	return n
}

// Sweep cancels confirmations pending longer than the ttl and forgets
// sessions that have been idle for an hour. It returns the number expired.
func (r *Registry) Sweep(now time.Time) int {
	expired := 0
	for id, w := range r.snapshotByID() {
		if r.ttl > 0 && w.ExpireOlderThan(r.ttl, now) {
			expired++
			r.log.Info("override confirmation expired", zap.String("session", id))
			continue
		}
		if since, idle := w.idleSince(); idle && now.Sub(since) > r.idleTTL {
			r.mu.Lock()
			if r.workflows[id] == w {
				delete(r.workflows, id)
			}
			r.mu.Unlock()
		}
	}
	return expired
}

// Run sweeps on every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

func (r *Registry) snapshot() []*Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	return out
}

func (r *Registry) snapshotByID() map[string]*Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Workflow, len(r.workflows))
	for id, w := range r.workflows {
		out[id] = w
	}
	return out
}
