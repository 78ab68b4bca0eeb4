package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pario-ai/spendguard/pkg/audit"
	"github.com/pario-ai/spendguard/pkg/budget"
	"github.com/pario-ai/spendguard/pkg/metrics"
	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/override"
	"github.com/pario-ai/spendguard/pkg/tracker"
)

// SessionHeader names the interactive session an override confirmation belongs to.
const SessionHeader = "X-Spendguard-Session"

const defaultSession = "default"

const maxBodyBytes = 1 << 20

// Options wires a Server. Auditor, Metrics and Logger may be nil.
type Options struct {
	Listen   string
	Guard    *budget.Guard
	Tracker  tracker.Tracker
	Registry *override.Registry
	Auditor  *audit.Logger
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Server is the spendguard HTTP API.
type Server struct {
	listen   string
	guard    *budget.Guard
	tracker  tracker.Tracker
	registry *override.Registry
	auditor  *audit.Logger
	metrics  *metrics.Metrics
	log      *zap.Logger
	mux      *http.ServeMux
}

// New creates a Server and registers its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		listen:   opts.Listen,
		guard:    opts.Guard,
		tracker:  opts.Tracker,
		registry: opts.Registry,
		auditor:  opts.Auditor,
		metrics:  opts.Metrics,
		log:      logger,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/actions", s.handleAction)
	s.mux.HandleFunc("POST /v1/overrides/{action_id}/confirm", s.handleConfirm)
	s.mux.HandleFunc("POST /v1/overrides/{action_id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /v1/overrides/pending", s.handlePending)
	s.mux.HandleFunc("DELETE /v1/overrides/pending", s.handleClose)
	s.mux.HandleFunc("POST /v1/usage", s.handleUsage)
	s.mux.HandleFunc("GET /v1/budgets/status", s.handleStatus)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the API server and shuts it down gracefully when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("spendguard listening", zap.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type actionRequest struct {
	OrganizationID *int64          `json:"organization_id"`
	UserID         *int64          `json:"user_id"`
	Model          string          `json:"model"`
	EstimatedCost  decimal.Decimal `json:"estimated_cost"`
}

type actionResponse struct {
	Verdict  budget.Verdict        `json:"verdict"`
	ActionID string                `json:"action_id,omitempty"`
	Message  string                `json:"message,omitempty"`
	Statuses []models.BudgetStatus `json:"statuses"`
	Override *override.View        `json:"override,omitempty"`
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	return defaultSession
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.guard.Authorize(r.Context(), budget.Action{
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Model:          req.Model,
		EstimatedCost:  req.EstimatedCost,
	})
	if err != nil {
		s.log.Error("budget check failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "budget check failed")
		return
	}

	resp := actionResponse{Verdict: d.Verdict, Statuses: d.Statuses}
	switch d.Verdict {
	case budget.VerdictConfirm:
		id := override.NewActionID()
		message := budget.OverrideMessage(d.Worst)
		wf := s.registry.Session(sessionID(r))
		if err := wf.Open(override.RequestFromStatus(id, d.Worst, message)); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "open override confirmation")
			return
		}
		view := wf.View()
		resp.ActionID = id.String()
		resp.Message = message
		resp.Override = &view
		writeJSON(w, http.StatusAccepted, resp)

	case budget.VerdictReject:
		id := override.NewActionID()
		resp.ActionID = id.String()
		resp.Message = fmt.Sprintf("The %s budget is over its monthly limit and does not allow overrides.",
			d.Worst.Budget.Target.Scope())
		s.recordRejection(r, id, d.Worst, resp.Message)
		writeJSON(w, http.StatusPaymentRequired, resp)

	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) recordRejection(r *http.Request, id override.ActionID, st models.BudgetStatus, message string) {
	s.metrics.ObserveResolution(string(models.OutcomeRejected))
	entry := models.OverrideLogEntry{
		ActionID:     id.String(),
		SessionID:    sessionID(r),
		Target:       st.Budget.Target.String(),
		Outcome:      models.OutcomeRejected,
		CurrentUsage: decimal.NewNullDecimal(st.Usage),
		MonthlyLimit: st.Limit,
		Percentage:   st.Percentage,
		Message:      message,
	}
	if err := s.auditor.Log(r.Context(), entry); err != nil {
		s.log.Warn("audit rejection", zap.Stringer("action_id", id), zap.Error(err))
	}
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, (*override.Workflow).Confirm)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, (*override.Workflow).Cancel)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, fn func(*override.Workflow, override.ActionID) (override.Resolution, error)) {
	id, err := override.ParseActionID(r.PathValue("action_id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	wf, ok := s.registry.Lookup(sessionID(r))
	if !ok {
		writeJSONError(w, http.StatusConflict, override.ErrNoPendingConfirmation.Error())
		return
	}
	res, err := fn(wf, id)
	switch {
	case errors.Is(err, override.ErrNoPendingConfirmation), errors.Is(err, override.ErrActionMismatch):
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.registry.Lookup(sessionID(r))
	if !ok {
		writeJSON(w, http.StatusOK, override.View{State: override.StateIdle})
		return
	}
	writeJSON(w, http.StatusOK, wf.View())
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.registry.Lookup(sessionID(r))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	res, closed := wf.Close()
	if !closed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var rec models.UsageRecord
	if err := decodeJSON(w, r, &rec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rec.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	if rec.Cost.IsNegative() {
		writeJSONError(w, http.StatusBadRequest, "cost must not be negative")
		return
	}
	if err := s.tracker.Record(r.Context(), rec); err != nil {
		s.log.Error("record usage", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "record usage failed")
		return
	}
	s.metrics.ObserveCost(rec.Model, rec.Cost.InexactFloat64())
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	orgID, err := queryID(r, "organization_id")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, err := queryID(r, "user_id")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var statuses []models.BudgetStatus
	if orgID == nil && userID == nil {
		statuses, err = s.guard.StatusAll(r.Context())
	} else {
		statuses, err = s.guard.Status(r.Context(), orgID, userID)
	}
	if err != nil {
		s.log.Error("budget status", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "budget status failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func queryID(r *http.Request, key string) (*int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", key)
	}
	return &id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"spendguard_error","code":%d}}`, message, code)
}
