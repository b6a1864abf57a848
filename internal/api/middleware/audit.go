package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/matiasleandrokruk/enact/internal/api/ctxkeys"
	domainaudit "github.com/matiasleandrokruk/enact/internal/domain/audit"
)

// AuditLogger is the minimal contract used by AuditMiddleware.
// *domainaudit.Service satisfies it.
type AuditLogger interface {
	LogWithDetails(
		ctx context.Context,
		actorID string,
		actorType domainaudit.ActorType,
		action string,
		toolName string,
		executionID string,
		details any,
		outcome domainaudit.Outcome,
	) error
}

// AuditMiddleware records authenticated API requests in audit_event.
// Expected order in router: AuthMiddleware -> AuditMiddleware -> handlers.
func AuditMiddleware(logger AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger == nil {
				next.ServeHTTP(w, r)
				return
			}
			userID, err := ctxkeys.GetUserID(r.Context())
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			action, toolName, executionID := actionFromRequest(r.Method, r.URL.Path)
			// The request context may be cancelled once the client is gone.
			_ = logger.LogWithDetails(
				context.WithoutCancel(r.Context()),
				userID,
				domainaudit.ActorTypeUser,
				action,
				toolName,
				executionID,
				map[string]any{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status_code": status,
					"duration_ms": time.Since(start).Milliseconds(),
					"request_id":  middleware.GetReqID(r.Context()),
				},
				outcomeFromStatus(status),
			)
		})
	}
}

func outcomeFromStatus(statusCode int) domainaudit.Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return domainaudit.OutcomeSuccess
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return domainaudit.OutcomeDenied
	default:
		return domainaudit.OutcomeError
	}
}

// actionFromRequest derives the audit action and the tool or execution it
// concerns from an /api/v1 path.
func actionFromRequest(method, path string) (action, toolName, executionID string) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	fallback := "api." + strings.ToLower(method) + "_request"
	if len(segments) < 3 || segments[0] != "api" || segments[1] != "v1" {
		return fallback, "", ""
	}

	entity := singularEntity(segments[2])
	if entity == "" {
		return fallback, "", ""
	}
	if len(segments) == 3 {
		return "api." + actionForCollection(method, entity), "", ""
	}

	action = "api." + actionForEntity(method, entity)
	switch entity {
	case "tool":
		// Tool names are slash-separated.
		return action, strings.Join(segments[3:], "/"), ""
	case "execution", "operation":
		if len(segments) > 4 {
			action += "_" + segments[4]
		}
		return action, "", segments[3]
	default:
		return action, "", ""
	}
}

func singularEntity(entity string) string {
	entityMap := map[string]string{
		"tools":      "tool",
		"executions": "execution",
		"operations": "operation",
		"audit":      "audit",
	}
	return entityMap[entity]
}

func actionForCollection(method, entity string) string {
	switch method {
	case http.MethodPost:
		return "create_" + entity
	case http.MethodGet:
		return "list_" + entity
	default:
		return strings.ToLower(method) + "_" + entity
	}
}

func actionForEntity(method, entity string) string {
	switch method {
	case http.MethodGet:
		return "get_" + entity
	case http.MethodPut, http.MethodPatch:
		return "update_" + entity
	case http.MethodDelete:
		return "delete_" + entity
	case http.MethodPost:
		return "create_" + entity
	default:
		return strings.ToLower(method) + "_" + entity
	}
}
