package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matiasleandrokruk/enact/internal/domain/audit"
)

// AuditHandler exposes the audit trail read-only.
type AuditHandler struct {
	svc *audit.Service
}

func NewAuditHandler(svc *audit.Service) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// List handles GET /api/v1/audit. ?tool= and ?outcome= narrow the listing;
// otherwise the most recent events are paged.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := parsePaginationParams(r)
	q := r.URL.Query()

	var (
		events []*audit.Event
		total  int
		err    error
	)
	switch {
	case q.Get("tool") != "":
		events, err = h.svc.ListByTool(ctx, q.Get("tool"), page.Limit)
		total = len(events)
	case q.Get("outcome") != "":
		outcome := audit.Outcome(q.Get("outcome"))
		if !validOutcome(outcome) {
			writeError(w, http.StatusBadRequest, "outcome must be success, denied, error or warning")
			return
		}
		events, err = h.svc.ListByOutcome(ctx, outcome, page.Limit)
		total = len(events)
	default:
		events, total, err = h.svc.ListRecent(ctx, page.Limit, page.Offset)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": events,
		"meta": Meta{Total: total, Limit: page.Limit, Offset: page.Offset},
	})
}

// ListByExecution handles GET /api/v1/audit/executions/{id}.
func (h *AuditHandler) ListByExecution(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListByExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events, "meta": Meta{Total: len(events)}})
}

// Get handles GET /api/v1/audit/{id}.
func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	ev, err := h.svc.GetByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, audit.ErrEventNotFound) {
		writeError(w, http.StatusNotFound, "audit event not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get audit event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func validOutcome(o audit.Outcome) bool {
	switch o {
	case audit.OutcomeSuccess, audit.OutcomeDenied, audit.OutcomeError, audit.OutcomeWarning:
		return true
	}
	return false
}
