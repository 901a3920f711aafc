// Package httpapi implements the REST surface of spec.md section 6.1:
// task submission, approval, cancellation, and read-only listing of
// tasks and agents. There is no router dependency anywhere in the
// example corpus this repo was grounded on, so this uses the stdlib
// net/http.ServeMux method-and-path patterns introduced in Go 1.22
// rather than reaching for a third-party router with no precedent here.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/agentium/controller/internal/orchestrator"
	"github.com/agentium/controller/internal/security"
	"github.com/agentium/controller/internal/task"
)

// Server wires the orchestrator façade to a *http.ServeMux.
type Server struct {
	orc         *orchestrator.Orchestrator
	rateLimiter *security.RateLimiter
}

// New builds an http.Handler serving spec.md section 6.1. rateLimiter may
// be nil to disable rate limiting (tests and local runs).
func New(orc *orchestrator.Orchestrator, rateLimiter *security.RateLimiter) http.Handler {
	s := &Server{orc: orc, rateLimiter: rateLimiter}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("POST /api/agents/{id}/remove", s.handleRemoveAgent)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks", s.handleSubmitTask)
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.handleApproveTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)

	var handler http.Handler = mux
	if rateLimiter != nil {
		handler = rateLimiter.Middleware(security.IPKeyFunc)(handler)
	}
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.orc.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": h.Status,
		"agents": map[string]int{
			"total":     h.Total,
			"online":    h.Online,
			"available": h.Online,
		},
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orc.Agents())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.orc.Agent(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if !s.orc.RemoveAgent(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.orc.ListTasks(status, limit))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.orc.GetTask(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type submitTaskRequest struct {
	Request       string `json:"request"`
	TargetAgentID string `json:"target_agent_id"`
	TargetRole    string `json:"target_role"`
	SkipApproval  bool   `json:"skip_approval"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Request == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	t := s.orc.SubmitRequest(req.Request, req.TargetAgentID, req.TargetRole, req.SkipApproval)
	writeJSON(w, http.StatusCreated, t)
}

type approveTaskRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	var req approveTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	t, err := s.orc.Approve(r.PathValue("id"), req.Approved, "api", req.Reason)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orc.Cancel(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// writeTaskError maps a Store/Scheduler error to the HTTP status spec.md
// section 6.1 assigns it: 404 for an unknown task, 409 for an illegal
// transition, 500 otherwise.
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case isInvalidTransition(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
		log.Printf("httpapi: %v", err)
	}
}

func isInvalidTransition(err error) bool {
	var invalid *task.ErrInvalidTransition
	return errors.As(err, &invalid)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
