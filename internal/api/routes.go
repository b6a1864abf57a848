// Package api wires the enact HTTP surface onto a chi router.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/api/handlers"
	apmiddleware "github.com/matiasleandrokruk/enact/internal/api/middleware"
	"github.com/matiasleandrokruk/enact/internal/domain/audit"
	"github.com/matiasleandrokruk/enact/internal/domain/execution"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/eventbus"
	"github.com/matiasleandrokruk/enact/internal/infra/metrics"
	"github.com/matiasleandrokruk/enact/internal/version"
	pkgauth "github.com/matiasleandrokruk/enact/pkg/auth"
)

// Deps are the services behind the routes. Audit and EngineHealth are
// optional.
type Deps struct {
	Executor     handlers.Executor
	Registry     tool.Registry
	Audit        *audit.Service
	Bus          eventbus.EventBus
	Logger       zerolog.Logger
	Backend      string
	EngineHealth func() execution.HealthStatus
}

// NewRouter builds the router: public /health and /metrics, JWT-protected
// /api/v1.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apmiddleware.RequestLogger(deps.Logger))
	r.Use(apmiddleware.RequestMetrics)
	r.Use(middleware.Recoverer)

	// ===== PUBLIC ROUTES =====

	r.Get("/health", healthHandler(deps))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// ===== PROTECTED ROUTES (JWT required) =====

	toolHandler := handlers.NewToolHandler(deps.Registry, deps.Bus, deps.Logger)
	execHandler := handlers.NewExecutionHandler(deps.Executor, deps.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apmiddleware.AuthMiddleware)
		if deps.Audit != nil {
			r.Use(apmiddleware.AuditMiddleware(deps.Audit))
		}

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", toolHandler.Search)            // GET /api/v1/tools?q=
			r.Post("/validate", toolHandler.Validate) // POST /api/v1/tools/validate
			r.Get("/*", toolHandler.Get)              // GET /api/v1/tools/{name...}
			r.With(apmiddleware.RequireScope(pkgauth.ScopePublish)).
				Post("/", toolHandler.Publish) // POST /api/v1/tools
		})

		r.Group(func(r chi.Router) {
			r.Use(apmiddleware.RequireScope(pkgauth.ScopeExecute))
			r.Post("/executions", execHandler.Execute)
			r.Get("/operations/{id}", execHandler.GetOperation)
			r.Get("/operations/{id}/result", execHandler.GetOperationResult)
		})

		if deps.Audit != nil {
			auditHandler := handlers.NewAuditHandler(deps.Audit)
			r.Route("/audit", func(r chi.Router) {
				r.Use(apmiddleware.RequireScope(pkgauth.ScopeAudit))
				r.Get("/", auditHandler.List)
				r.Get("/executions/{id}", auditHandler.ListByExecution)
				r.Get("/{id}", auditHandler.Get)
			})
		}
	})

	return r
}

func healthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok", "backend": deps.Backend, "build": version.Info()}
		status := http.StatusOK
		if deps.EngineHealth != nil {
			h := deps.EngineHealth()
			body["engine"] = h
			if !h.IsHealthy {
				body["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
