package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/safety"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/eventbus"
)

// ToolHandler serves the registry: validate, publish, search and fetch.
type ToolHandler struct {
	registry tool.Registry
	bus      eventbus.EventBus
	logger   zerolog.Logger
}

func NewToolHandler(registry tool.Registry, bus eventbus.EventBus, logger zerolog.Logger) *ToolHandler {
	return &ToolHandler{registry: registry, bus: bus, logger: logger}
}

type validateResponse struct {
	Valid          bool          `json:"valid"`
	Name           string        `json:"name"`
	Version        string        `json:"version,omitempty"`
	Checksum       string        `json:"checksum"`
	Violations     []string      `json:"violations"`
	SignatureCount int           `json:"signatureCount"`
	Safety         safety.Result `json:"safety"`
}

type toolResponse struct {
	*tool.Definition
	SignatureCount int `json:"signatureCount"`
}

// Validate handles POST /api/v1/tools/validate with a YAML body. It checks
// structure and command safety; signatures are checked on publish and run.
func (h *ToolHandler) Validate(w http.ResponseWriter, r *http.Request) {
	def, ok := h.parseBody(w, r)
	if !ok {
		return
	}

	resp := validateResponse{
		Valid:          true,
		Name:           def.Name,
		Version:        def.Version,
		Checksum:       def.Checksum,
		Violations:     []string{},
		SignatureCount: len(def.Signatures),
		Safety:         safety.Analyze(def.Command, def.Annotations),
	}
	if err := tool.Validate(def); err != nil {
		resp.Valid = false
		var verr *tool.ValidationError
		if errors.As(err, &verr) {
			resp.Violations = verr.Violations
		} else {
			resp.Violations = []string{err.Error()}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Publish handles POST /api/v1/tools. The caller's bearer token is the
// publish credential.
func (h *ToolHandler) Publish(w http.ResponseWriter, r *http.Request) {
	def, ok := h.parseBody(w, r)
	if !ok {
		return
	}

	summary, err := h.registry.Publish(r.Context(), def, bearerToken(r))
	if err != nil {
		h.writePublishError(w, err)
		return
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.TopicToolPublished, *summary)
	}
	h.logger.Info().Str("tool", summary.Name).Str("version", summary.Version).Str("published_by", summary.PublishedBy).Msg("tool published")
	writeJSON(w, http.StatusCreated, summary)
}

func (h *ToolHandler) writePublishError(w http.ResponseWriter, err error) {
	var verr *tool.ValidationError
	switch {
	case errors.As(err, &verr):
		writeErrorDetails(w, http.StatusUnprocessableEntity, err.Error(), map[string]any{"violations": verr.Violations})
	case errors.Is(err, tool.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, tool.ErrUnsignedTool), errors.Is(err, tool.ErrPublishRejected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, tool.ErrToolAlreadyPublished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tool.ErrParse):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, tool.ErrRegistryUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error().Err(err).Msg("publish failed")
		writeError(w, http.StatusInternalServerError, "failed to publish tool")
	}
}

// Search handles GET /api/v1/tools?q=. When the registry search is down the
// listing is filtered locally and meta.degraded is set.
func (h *ToolHandler) Search(w http.ResponseWriter, r *http.Request) {
	page := parsePaginationParams(r)
	results, degraded, err := tool.SearchWithFallback(r.Context(), h.registry, r.URL.Query().Get("q"), page.Limit)
	if err != nil {
		if errors.Is(err, tool.ErrRegistryUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("search failed")
		writeError(w, http.StatusInternalServerError, "failed to search tools")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": results,
		"meta": Meta{Total: len(results), Limit: page.Limit, Degraded: degraded},
	})
}

// Get handles GET /api/v1/tools/{name...}?version=.
func (h *ToolHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(chi.URLParam(r, "*"), "/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "tool name is required")
		return
	}

	def, err := h.registry.Get(r.Context(), name, r.URL.Query().Get("version"))
	switch {
	case errors.Is(err, tool.ErrToolDefinitionNotFound):
		writeError(w, http.StatusNotFound, "tool not found")
		return
	case errors.Is(err, tool.ErrRegistryUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error().Err(err).Str("tool", name).Msg("get tool failed")
		writeError(w, http.StatusInternalServerError, "failed to get tool")
		return
	}

	if r.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(def.Raw)
		return
	}
	writeJSON(w, http.StatusOK, toolResponse{Definition: def, SignatureCount: len(def.Signatures)})
}

func (h *ToolHandler) parseBody(w http.ResponseWriter, r *http.Request) (*tool.Definition, bool) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, bodyErrorStatus(err), err.Error())
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "request body must be a tool YAML document")
		return nil, false
	}
	def, err := tool.ParseYAML(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return def, true
}

func bearerToken(r *http.Request) string {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
}
