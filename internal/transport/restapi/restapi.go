// Package restapi implements the §6.1 REST surface: a thin JSON layer over
// internal/orchestrator. It owns no state of its own; every handler
// translates a request into an Orchestrator call and the result (or error)
// into the response shapes §6.1 specifies.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/controller/internal/ctlerr"
	"github.com/agentmesh/controller/internal/orchestrator"
	"github.com/agentmesh/controller/internal/protocol"
	"github.com/agentmesh/controller/internal/registry"
	"github.com/agentmesh/controller/internal/tasks"
)

// Server is the §6.1 HTTP handler set.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
}

// New wires a Server against its collaborators and returns it unstarted.
func New(orch *orchestrator.Orchestrator, reg *registry.Registry, logger *slog.Logger, addr string) *Server {
	s := &Server{orch: orch, registry: reg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	s.mux = mux

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Mux exposes the underlying ServeMux so the WebSocket endpoints (§6.2,
// §6.3) can be registered alongside the REST surface on the same listener.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.logger.Info("rest api listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Health())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.submitTask(w, r)
	default:
		methodNotAllowed(w)
	}
}

// handleTaskByID handles /api/tasks/{id}, /api/tasks/{id}/approve, and
// /api/tasks/{id}/cancel.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}
	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "approve" && r.Method == http.MethodPost:
		s.approveTask(w, r, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelTask(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "no such route")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := protocol.TaskStatus(q.Get("status"))

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, s.orch.ListTasks(status, limit))
}

type submitTaskRequest struct {
	Request       string `json:"request"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
	TargetRole    string `json:"target_role,omitempty"`
	SkipApproval  bool   `json:"skip_approval,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	task, err := s.orch.SubmitTask(r.Context(), req.Request, req.TargetAgentID, req.TargetRole, req.SkipApproval)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	task, err := s.orch.GetTask(taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type approveTaskRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) approveTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req approveTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	task, err := s.orch.ApproveTask(taskID, req.Approved, req.Reason, callerFromRequest(r))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.orch.CancelTask(taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// callerFromRequest is a placeholder for whatever operator identity a future
// auth layer attaches to the request; until then every approval is recorded
// as coming from the API itself.
func callerFromRequest(r *http.Request) string {
	if by := r.Header.Get("X-Agentmesh-Actor"); by != "" {
		return by
	}
	return "api"
}

// writeTaskError maps a façade error to the §6.1/§7 status codes, special
// casing tasks.ErrNotFound since it is a store-level sentinel that ctlerr's
// taxonomy doesn't carry.
func writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, tasks.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	status := ctlerr.HTTPStatus(err)
	writeError(w, status, err.Error())
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
