package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
)

// ErrBudgetExceeded is returned when an action is over limit and overrides are not allowed.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrOverrideRequired is returned when an action is over limit but may proceed after confirmation.
var ErrOverrideRequired = errors.New("budget override confirmation required")

// BudgetSource looks up configured budgets.
type BudgetSource interface {
	// Applicable returns the budgets that govern spending by the given
	// organization and user: the user's, the organization's and the global one.
	Applicable(ctx context.Context, orgID, userID *int64) ([]models.Budget, error)
	// List returns every budget.
	List(ctx context.Context) ([]models.Budget, error)
}

// UsageSource reports spend accumulated for a target.
type UsageSource interface {
	TotalCost(ctx context.Context, target models.BudgetTarget, since time.Time) (decimal.Decimal, error)
}

// Verdict is what the caller should do with a billable action.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictWarn    Verdict = "warn"
	VerdictConfirm Verdict = "confirm"
	VerdictReject  Verdict = "reject"
)

// Action describes a billable AI call that is about to happen.
type Action struct {
	OrganizationID *int64          `json:"organization_id,omitempty"`
	UserID         *int64          `json:"user_id,omitempty"`
	Model          string          `json:"model,omitempty"`
	EstimatedCost  decimal.Decimal `json:"estimated_cost"`
}

// Decision is the outcome of authorizing an action.
type Decision struct {
	Verdict  Verdict               `json:"verdict"`
	Statuses []models.BudgetStatus `json:"statuses"`
	// Worst is the status that drove the verdict. It is the zero value when
	// no budget applies.
	Worst models.BudgetStatus `json:"worst"`
}

// Err maps blocking verdicts to sentinel errors.
func (d Decision) Err() error {
	switch d.Verdict {
	case VerdictReject:
		return ErrBudgetExceeded
	case VerdictConfirm:
		return ErrOverrideRequired
	default:
		return nil
	}
}

// Guard checks billable actions against every applicable budget.
type Guard struct {
	budgets BudgetSource
	usage   UsageSource
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewGuard creates a Guard. logger and m may be nil.
func NewGuard(b BudgetSource, u UsageSource, logger *zap.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		budgets: b,
		usage:   u,
		log:     logger,
		metrics: m,
		now:     time.Now,
	}
}

// Authorize evaluates the action against the user, organization and global
// budgets. Any over-limit budget that forbids overrides rejects the action;
// otherwise an over-limit budget asks for confirmation.
func (g *Guard) Authorize(ctx context.Context, a Action) (Decision, error) {
	budgets, err := g.budgets.Applicable(ctx, a.OrganizationID, a.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("budget check: %w", err)
	}

	extra := a.EstimatedCost
	if extra.IsNegative() {
		extra = decimal.Zero
	}

	d := Decision{Verdict: VerdictAllow, Statuses: make([]models.BudgetStatus, 0, len(budgets))}
	var blocked, overridable *models.BudgetStatus
	for _, b := range budgets {
		st, err := g.evaluate(ctx, b, extra)
		if err != nil {
			return Decision{}, fmt.Errorf("budget check: %w", err)
		}
		d.Statuses = append(d.Statuses, st)
	}

	for i := range d.Statuses {
		st := &d.Statuses[i]
		if worse(*st, d.Worst) {
			d.Worst = *st
		}
		if st.Level != models.StatusOverLimit {
			continue
		}
		if !st.Budget.AllowOverride {
			if blocked == nil || worse(*st, *blocked) {
				blocked = st
			}
		} else if overridable == nil || worse(*st, *overridable) {
			overridable = st
		}
	}

	switch {
	case blocked != nil:
		d.Verdict = VerdictReject
		d.Worst = *blocked
	case overridable != nil:
		d.Verdict = VerdictConfirm
		d.Worst = *overridable
	case d.Worst.Level == models.StatusWarning:
		d.Verdict = VerdictWarn
	}

	g.metrics.ObserveCheck(string(d.Verdict))
	if d.Verdict != VerdictAllow {
		g.log.Info("budget check",
			zap.String("verdict", string(d.Verdict)),
			zap.Stringer("target", d.Worst.Budget.Target),
			zap.String("usage_percentage", d.Worst.PercentageText()),
			zap.String("model", a.Model),
		)
	}
	return d, nil
}

// Status evaluates the budgets that apply to an organization and user.
// With both nil only the global budget applies.
func (g *Guard) Status(ctx context.Context, orgID, userID *int64) ([]models.BudgetStatus, error) {
	budgets, err := g.budgets.Applicable(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("budget status: %w", err)
	}
	return g.evaluateAll(ctx, budgets)
}

// StatusAll evaluates every configured budget.
func (g *Guard) StatusAll(ctx context.Context) ([]models.BudgetStatus, error) {
	budgets, err := g.budgets.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("budget status: %w", err)
	}
	return g.evaluateAll(ctx, budgets)
}

func (g *Guard) evaluateAll(ctx context.Context, budgets []models.Budget) ([]models.BudgetStatus, error) {
	statuses := make([]models.BudgetStatus, 0, len(budgets))
	for _, b := range budgets {
		st, err := g.evaluate(ctx, b, decimal.Zero)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (g *Guard) evaluate(ctx context.Context, b models.Budget, extra decimal.Decimal) (models.BudgetStatus, error) {
	// A budget never counts spend from an earlier month, even if it was not rolled.
	since := PeriodStart(g.now())
	if b.CurrentPeriodStart.After(since) {
		since = b.CurrentPeriodStart
	}
	used, err := g.usage.TotalCost(ctx, b.Target, since)
	if err != nil {
		return models.BudgetStatus{}, err
	}
	st := Evaluate(b, used.Add(extra))
	st.PeriodStart = since
	if st.Level != models.StatusInactive && st.Level != models.StatusUnlimited {
		g.metrics.ObserveUsage(b.Target.String(), st.PercentageFloat())
	}
	return st, nil
}

// worse reports whether a is a more severe status than b.
// Ties on level are broken by the higher usage percentage.
func worse(a, b models.BudgetStatus) bool {
	if b.Level == "" {
		return true
	}
	if a.Level.Severity() != b.Level.Severity() {
		return a.Level.Severity() > b.Level.Severity()
	}
	return a.PercentageFloat() > b.PercentageFloat()
}

// PeriodStart returns the first instant of the calendar month containing t, in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// OverrideMessage describes an over-limit status for the confirmation prompt.
func OverrideMessage(st models.BudgetStatus) string {
	scope := st.Budget.Target.Scope()
	if st.Unbounded {
		return fmt.Sprintf("The %s budget has no spend allowance this period. Proceed anyway?", scope)
	}
	return fmt.Sprintf("The %s budget is at %s of its monthly limit (%s of %s). Proceed anyway?",
		scope, st.PercentageText(), st.Usage.StringFixed(2), st.Limit.Decimal.StringFixed(2))
}
