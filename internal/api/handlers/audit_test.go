package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/matiasleandrokruk/enact/internal/domain/audit"
)

func TestAuditHandler_ListAndFilter(t *testing.T) {
	t.Parallel()

	svc := audit.NewService(mustOpenDBWithMigrations(t))
	ctx := context.Background()
	seed := []struct {
		action, tool, exec string
		outcome            audit.Outcome
	}{
		{audit.ActionExecute, "acme/echo", "ex-1", audit.OutcomeSuccess},
		{audit.ActionSafetyBlocked, "acme/wipe", "ex-2", audit.OutcomeDenied},
		{audit.ActionExecute, "acme/wipe", "ex-2", audit.OutcomeDenied},
	}
	for _, s := range seed {
		if err := svc.LogWithDetails(ctx, "user-1", audit.ActorTypeUser, s.action, s.tool, s.exec, nil, s.outcome); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	h := NewAuditHandler(svc)
	r := chi.NewRouter()
	r.Get("/api/v1/audit", h.List)
	r.Get("/api/v1/audit/executions/{id}", h.ListByExecution)
	r.Get("/api/v1/audit/{id}", h.Get)

	cases := []struct {
		path      string
		wantCount int
	}{
		{"/api/v1/audit", 3},
		{"/api/v1/audit?tool=acme/wipe", 2},
		{"/api/v1/audit?outcome=denied", 2},
		{"/api/v1/audit/executions/ex-1", 1},
	}
	var firstID string
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("GET %s status=%d", tc.path, rr.Code)
		}
		var resp struct {
			Data []audit.Event `json:"data"`
			Meta Meta          `json:"meta"`
		}
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode %s: %v", tc.path, err)
		}
		if len(resp.Data) != tc.wantCount || resp.Meta.Total != tc.wantCount {
			t.Errorf("GET %s: %d events (total %d), want %d", tc.path, len(resp.Data), resp.Meta.Total, tc.wantCount)
		}
		if firstID == "" && len(resp.Data) > 0 {
			firstID = resp.Data[0].ID
		}
	}

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/audit/"+firstID, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get by id status=%d", rr.Code)
	}

	for path, want := range map[string]int{
		"/api/v1/audit/does-not-exist": http.StatusNotFound,
		"/api/v1/audit?outcome=maybe":  http.StatusBadRequest,
	} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != want {
			t.Errorf("GET %s status=%d want=%d", path, rr.Code, want)
		}
	}
}
