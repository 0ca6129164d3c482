package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/crossquery/internal/auth"
	"github.com/haasonsaas/crossquery/internal/breaker"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// maxBodyBytes bounds request bodies well above the query length cap so the
// JSON decoder, not the byte limit, produces the useful error for oversized
// queries.
const maxBodyBytes = 1 << 20

// handleQuery is POST /api/query: the synchronous pipeline.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req models.MultiSourceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	resp, err := s.orch.Process(r.Context(), &req, auth.PrincipalID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleDetect is POST /api/detect: relevance scoring without execution.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	if s.detector == nil {
		s.writeError(w, r, models.NewError(models.CodeInternal, "detection not configured"))
		return
	}
	var req struct {
		Query string `json:"query"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, r, models.NewError(models.CodeValidation, "query is required").WithDetail("field", "query"))
		return
	}

	resp, err := s.detector.DetectMultiSource(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSuggest is POST /api/suggest: the top provider suggestions for a
// query, without building a plan.
func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	if s.detector == nil {
		s.writeError(w, r, models.NewError(models.CodeInternal, "detection not configured"))
		return
	}
	var req struct {
		Query          string `json:"query"`
		MaxSuggestions int    `json:"max_suggestions"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, r, models.NewError(models.CodeValidation, "query is required").WithDetail("field", "query"))
		return
	}
	max := req.MaxSuggestions
	if max <= 0 {
		max = models.DefaultMaxSources
	}

	suggestions, err := s.detector.Suggest(r.Context(), req.Query, max)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, suggestions)
}

// providerStatus is one row of GET /api/providers: the provider identity
// plus its breaker state when a breaker exists for it.
type providerStatus struct {
	models.Provider
	BreakerState string `json:"breaker_state,omitempty"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	if s.catalog == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"providers": []providerStatus{}, "count": 0})
		return
	}

	states := map[string]string{}
	if s.breakers != nil {
		for _, st := range s.breakers.BreakerStats() {
			states[st.Name] = st.State
		}
	}

	providers := s.catalog.Providers()
	out := make([]providerStatus, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerStatus{Provider: p, BreakerState: states[string(p.ID)]})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"providers": out, "count": len(out)})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	stats := []breaker.Stats{}
	if s.breakers != nil {
		stats = s.breakers.BreakerStats()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"breakers": stats})
}

// handleBreakerReset is POST /api/breakers/{provider}/reset, the operator
// escape hatch for a stuck-open breaker.
func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/breakers/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "reset" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if s.breakers == nil {
		s.writeError(w, r, models.NewError(models.CodeInternal, "breakers not configured"))
		return
	}
	if err := s.breakers.ResetBreaker(parts[0]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info(r.Context(), "breaker reset", "provider", parts[0])
	s.writeJSON(w, http.StatusOK, map[string]any{"reset": parts[0]})
}

// decodeBody parses a JSON request body into v, writing the validation
// error itself when parsing fails.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, models.NewError(models.CodeValidation, "invalid request body").WithDetail("parse_error", err.Error()))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(context.Background(), "response encode failed", "error", err.Error())
	}
}

// writeError renders a typed error with the taxonomy's HTTP status. Rate
// limit errors carry a Retry-After header mirroring the body detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	te := models.AsError(err)
	if te.Code == models.CodeRateLimited {
		if seconds, ok := te.Details["retry_after_seconds"].(int); ok && seconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}
	status := te.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "code", string(te.Code), "error", te.Message, "path", r.URL.Path)
	}
	s.writeJSON(w, status, map[string]any{"error": te})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error": models.NewError(models.CodeValidation, "method not allowed"),
	})
}
