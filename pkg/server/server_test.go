package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/spendguard/pkg/audit"
	"github.com/pario-ai/spendguard/pkg/budget"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/override"
	"github.com/pario-ai/spendguard/pkg/store"
	"github.com/pario-ai/spendguard/pkg/tracker"
)

type env struct {
	srv     *Server
	store   *store.SQLiteStore
	tracker *tracker.SQLiteTracker
	auditor *audit.Logger
	bus     *override.Bus
	events  []override.Event
}

func setup(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "spendguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tr, err := tracker.New(filepath.Join(dir, "spendguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	a, err := audit.New(models.AuditConfig{Enabled: true, DBPath: filepath.Join(dir, "audit.db"), RetentionDays: 90}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	e := &env{store: st, tracker: tr, auditor: a, bus: override.NewBus()}
	e.bus.SubscribeAll(a.OnOverride)
	e.bus.SubscribeAll(func(ev override.Event) { e.events = append(e.events, ev) })

	m := metrics.New()
	e.srv = New(Options{
		Listen:   ":0",
		Guard:    budget.NewGuard(st, tr, nil, m),
		Tracker:  tr,
		Registry: override.NewRegistry(e.bus, 0, nil),
		Auditor:  a,
		Metrics:  m,
	})
	return e
}

func (e *env) budget(t *testing.T, target models.BudgetTarget, limit string, allowOverride bool) {
	t.Helper()
	_, err := e.store.Create(context.Background(), models.Budget{
		Target:           target,
		MonthlyLimit:     decimal.NewNullDecimal(decimal.RequireFromString(limit)),
		WarningThreshold: 80,
		IsActive:         true,
		AllowOverride:    allowOverride,
	})
	require.NoError(t, err)
}

func (e *env) do(method, path, session, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

type actionBody struct {
	Verdict  string `json:"verdict"`
	ActionID string `json:"action_id"`
	Message  string `json:"message"`
	Override *struct {
		State           string          `json:"state"`
		Visible         bool            `json:"visible"`
		RemainingBudget decimal.Decimal `json:"remaining_budget"`
		OverageAmount   decimal.Decimal `json:"overage_amount"`
	} `json:"override"`
}

func decodeAction(t *testing.T, w *httptest.ResponseRecorder) actionBody {
	t.Helper()
	var body actionBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestActionAllowed(t *testing.T) {
	e := setup(t)
	e.budget(t, models.OrganizationTarget(1), "100", false)

	w := e.do(http.MethodPost, "/v1/actions", "s1", `{"organization_id":1,"model":"gpt-4o","estimated_cost":"5"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "allow", decodeAction(t, w).Verdict)
}

func TestActionInvalidBody(t *testing.T) {
	e := setup(t)
	w := e.do(http.MethodPost, "/v1/actions", "", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "spendguard_error")
}

func TestConfirmFlow(t *testing.T) {
	e := setup(t)
	e.budget(t, models.OrganizationTarget(1), "100", true)

	w := e.do(http.MethodPost, "/v1/usage", "", `{"organization_id":1,"model":"gpt-4o","cost":150}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(http.MethodPost, "/v1/actions", "s1", `{"organization_id":1,"model":"gpt-4o"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decodeAction(t, w)
	assert.Equal(t, "confirm", body.Verdict)
	require.NotNil(t, body.Override)
	assert.True(t, body.Override.Visible)
	assert.Equal(t, "awaiting_confirmation", body.Override.State)
	assert.True(t, body.Override.OverageAmount.Equal(decimal.NewFromInt(50)))
	assert.True(t, body.Override.RemainingBudget.IsZero())

	w = e.do(http.MethodGet, "/v1/overrides/pending", "s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), body.ActionID)

	// Another session has nothing pending.
	w = e.do(http.MethodPost, "/v1/overrides/"+body.ActionID+"/confirm", "s2", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPost, "/v1/overrides/"+body.ActionID+"/confirm", "s1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res override.Resolution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Proceed)
	assert.Equal(t, models.OutcomeConfirmed, res.Outcome)

	require.Len(t, e.events, 1)
	assert.Equal(t, override.SignalConfirmed, e.events[0].Signal)

	// Resolved confirmations cannot be resolved again.
	w = e.do(http.MethodPost, "/v1/overrides/"+body.ActionID+"/cancel", "s1", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Len(t, e.events, 1)

	entries, err := e.auditor.Query(context.Background(), models.AuditQueryOpts{ActionID: body.ActionID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeConfirmed, entries[0].Outcome)
}

func TestCancelWithStaleID(t *testing.T) {
	e := setup(t)
	e.budget(t, models.GlobalTarget(), "0", true)

	w := e.do(http.MethodPost, "/v1/actions", "s1", `{}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decodeAction(t, w)

	w = e.do(http.MethodPost, "/v1/overrides/"+override.NewActionID().String()+"/cancel", "s1", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, e.events)

	w = e.do(http.MethodPost, "/v1/overrides/not-a-uuid/cancel", "s1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/v1/overrides/"+body.ActionID+"/cancel", "s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, e.events, 1)
	assert.Equal(t, override.SignalCancelled, e.events[0].Signal)
}

func TestClosePending(t *testing.T) {
	e := setup(t)
	e.budget(t, models.GlobalTarget(), "0", true)

	w := e.do(http.MethodDelete, "/v1/overrides/pending", "s1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(http.MethodPost, "/v1/actions", "s1", `{}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = e.do(http.MethodDelete, "/v1/overrides/pending", "s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, e.events, 1)
	assert.Equal(t, override.SignalCancelled, e.events[0].Signal)

	w = e.do(http.MethodGet, "/v1/overrides/pending", "s1", "")
	assert.Contains(t, w.Body.String(), `"state":"idle"`)
}

func TestActionRejected(t *testing.T) {
	e := setup(t)
	e.budget(t, models.UserTarget(7), "10", false)
	require.NoError(t, e.tracker.Record(context.Background(), models.UsageRecord{
		UserID: ptr(7), Model: "gpt-4o", Cost: decimal.NewFromInt(12),
	}))

	w := e.do(http.MethodPost, "/v1/actions", "s1", `{"user_id":7}`)
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	body := decodeAction(t, w)
	assert.Equal(t, "reject", body.Verdict)
	assert.Nil(t, body.Override)
	assert.Empty(t, e.events, "rejections never open a confirmation")

	w = e.do(http.MethodGet, "/v1/overrides/pending", "s1", "")
	assert.Contains(t, w.Body.String(), `"state":"idle"`)

	entries, err := e.auditor.Query(context.Background(), models.AuditQueryOpts{Outcome: models.OutcomeRejected})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, body.ActionID, entries[0].ActionID)
	assert.Equal(t, "user:7", entries[0].Target)
}

func TestUsageValidation(t *testing.T) {
	e := setup(t)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/usage", "", `{"cost":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/usage", "", `{"model":"m","cost":-1}`).Code)
}

func TestBudgetStatus(t *testing.T) {
	e := setup(t)
	e.budget(t, models.GlobalTarget(), "100", false)
	e.budget(t, models.OrganizationTarget(1), "100", false)
	e.budget(t, models.OrganizationTarget(2), "100", false)

	var body struct {
		Statuses []models.BudgetStatus `json:"statuses"`
	}
	w := e.do(http.MethodGet, "/v1/budgets/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Statuses, 3)

	w = e.do(http.MethodGet, "/v1/budgets/status?organization_id=2", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Statuses, 2)

	w = e.do(http.MethodGet, "/v1/budgets/status?user_id=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := setup(t)
	e.budget(t, models.GlobalTarget(), "100", false)
	e.do(http.MethodPost, "/v1/actions", "", `{}`)

	w := e.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `spendguard_budget_checks_total{verdict="allow"} 1`)
}

func TestMethodNotAllowed(t *testing.T) {
	e := setup(t)
	w := e.do(http.MethodGet, "/v1/actions", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func ptr(v int64) *int64 { return &v }
