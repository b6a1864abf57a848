package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/orchestrator"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

// Executor is the orchestrator surface the API needs.
// *orchestrator.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) *orchestrator.Result
	Dispatch(ctx context.Context, req orchestrator.Request) (string, error)
	Operation(id string) (orchestrator.Operation, error)
	OperationResult(id string) (*orchestrator.Result, error)
}

// ExecutionHandler runs tools synchronously or as async operations.
type ExecutionHandler struct {
	exec   Executor
	logger zerolog.Logger
}

func NewExecutionHandler(exec Executor, logger zerolog.Logger) *ExecutionHandler {
	return &ExecutionHandler{exec: exec, logger: logger}
}

// ExecuteRequest is the POST /api/v1/executions body. Exactly one of Tool or
// Definition names what to run; Definition is an inline YAML document.
type ExecuteRequest struct {
	Tool             string         `json:"tool"`
	Version          string         `json:"version,omitempty"`
	Definition       string         `json:"definition,omitempty"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	Policy           string         `json:"policy,omitempty"`
	DryRun           bool           `json:"dryRun,omitempty"`
	Force            bool           `json:"force,omitempty"`
	SkipVerification bool           `json:"skipVerification,omitempty"`
	Timeout          string         `json:"timeout,omitempty"`
	Async            bool           `json:"async,omitempty"`
}

type dispatchResponse struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"`
	StatusURL   string `json:"statusUrl"`
	ResultURL   string `json:"resultUrl"`
}

// Execute handles POST /api/v1/executions.
func (h *ExecutionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, bodyErrorStatus(err), err.Error())
		return
	}
	var in ExecuteRequest
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := h.buildRequest(r, in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if in.Async {
		id, err := h.exec.Dispatch(r.Context(), req)
		if err != nil {
			h.logger.Error().Err(err).Msg("dispatch failed")
			writeError(w, http.StatusServiceUnavailable, "failed to dispatch execution")
			return
		}
		w.Header().Set("Location", "/api/v1/operations/"+id)
		writeJSON(w, http.StatusAccepted, dispatchResponse{
			OperationID: id,
			Status:      string(orchestrator.StatusRunning),
			StatusURL:   "/api/v1/operations/" + id,
			ResultURL:   "/api/v1/operations/" + id + "/result",
		})
		return
	}

	res := h.exec.Execute(r.Context(), req)
	writeJSON(w, StatusForCode(res.Code()), res)
}

func (h *ExecutionHandler) buildRequest(r *http.Request, in ExecuteRequest) (orchestrator.Request, error) {
	req := orchestrator.Request{
		Actor:            actorFrom(r),
		ToolName:         strings.TrimSpace(in.Tool),
		Version:          in.Version,
		Inputs:           in.Inputs,
		Policy:           in.Policy,
		DryRun:           in.DryRun,
		Force:            in.Force,
		SkipVerification: in.SkipVerification,
	}
	switch {
	case in.Definition != "" && req.ToolName != "":
		return req, errors.New("set either tool or definition, not both")
	case in.Definition != "":
		def, err := tool.ParseYAML([]byte(in.Definition))
		if err != nil {
			return req, err
		}
		req.Definition = def
	case req.ToolName == "":
		return req, errors.New("tool is required")
	}
	if in.Timeout != "" {
		d, err := time.ParseDuration(in.Timeout)
		if err != nil || d <= 0 {
			return req, errors.New("timeout must be a positive duration such as 30s")
		}
		req.Timeout = d
	}
	return req, nil
}

// GetOperation handles GET /api/v1/operations/{id}.
func (h *ExecutionHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.exec.Operation(chi.URLParam(r, "id"))
	if errors.Is(err, orchestrator.ErrOperationNotFound) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get operation")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// GetOperationResult handles GET /api/v1/operations/{id}/result. A running
// operation answers 409.
func (h *ExecutionHandler) GetOperationResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.exec.OperationResult(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, orchestrator.ErrOperationNotFound):
		writeError(w, http.StatusNotFound, "operation not found")
	case errors.Is(err, orchestrator.ErrOperationRunning):
		writeError(w, http.StatusConflict, "operation still running")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to get operation result")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// StatusForCode maps a result code to the HTTP status of a synchronous
// execution. A tool that ran and exited non-zero is still a 200.
func StatusForCode(code orchestrator.Code) int {
	switch code {
	case "", orchestrator.CodeExecution:
		return http.StatusOK
	case orchestrator.CodeParse:
		return http.StatusBadRequest
	case orchestrator.CodeInvalidTool, orchestrator.CodeInvalidInput, orchestrator.CodeMissingEnvironment:
		return http.StatusUnprocessableEntity
	case orchestrator.CodeNotFound:
		return http.StatusNotFound
	case orchestrator.CodeSignatureInvalid, orchestrator.CodeNoSignatures,
		orchestrator.CodePublicKeyMissing, orchestrator.CodeCommandUnsafe:
		return http.StatusForbidden
	case orchestrator.CodeTimeout:
		return http.StatusGatewayTimeout
	case orchestrator.CodeEngineConnection, orchestrator.CodeNetwork:
		return http.StatusServiceUnavailable
	case orchestrator.CodeContainer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
