package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
	"github.com/xela07ax/spaceai-agent-runtime/internal/service"
	"go.uber.org/zap"
)

type toolView struct {
	Name                string                 `json:"name"`
	Description         string                 `json:"description,omitempty"`
	Category            string                 `json:"category,omitempty"`
	Sandboxable         bool                   `json:"sandboxable"`
	PermissionsRequired []string               `json:"permissions_required,omitempty"`
	InputSchema         map[string]interface{} `json:"input_schema,omitempty"`
}

type executeRequest struct {
	Task    interface{}            `json:"task"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Agents.List())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	info, ok := s.deps.Agents.Info(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Context == nil {
		req.Context = make(map[string]interface{})
	}
	req.Context["trace_id"] = TraceID(r.Context())

	res, err := s.deps.Agents.Execute(r.Context(), chi.URLParam(r, "name"), req.Task, req.Context)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// FAILED тоже отдается с 200, статус исполнения внутри результата
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	defs := s.deps.Tools.ListTools()
	out := make([]toolView, 0, len(defs))
	for _, d := range defs {
		out = append(out, toolView{
			Name:                d.Name,
			Description:         d.Description,
			Category:            d.Category,
			Sandboxable:         d.Sandboxable,
			PermissionsRequired: d.PermissionsRequired,
			InputSchema:         d.InputSchema,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) budgetUsage(w http.ResponseWriter, r *http.Request) {
	resource := domain.ResourceType(r.URL.Query().Get("resource"))
	usage, err := s.deps.Budgets.GetUsage(r.Context(), chi.URLParam(r, "id"), resource)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, usage)
}

func (s *Server) budgetHierarchy(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Budgets.GetBudgetHierarchy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) getContext(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Contexts.GetContext(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if c == nil {
		http.Error(w, "context not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) reloadPlugins(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.ReloadPlugins(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	failures := make([]map[string]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		failures = append(failures, map[string]string{"path": f.Path, "tool": f.Tool, "error": f.Err.Error()})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"loaded": report.Loaded, "failures": failures})
}

// writeError переводит доменные ошибки в HTTP-статусы
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		notFound   *domain.CapabilityNotFoundError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrAgentNotFound),
		errors.Is(err, domain.ErrBudgetNotFound),
		errors.Is(err, domain.ErrContextNotFound),
		errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}
