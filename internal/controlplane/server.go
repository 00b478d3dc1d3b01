package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/foreman/internal/bridge"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/recovery"
)

// Version is reported by /health. Set at build time with -ldflags.
var Version = "dev"

// Server provides the HTTP API for foreman.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service: service,
		addr:    addr,
		logger:  logger.With("component", "http"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	// Roster
	mux.HandleFunc("GET /agents", s.listAgents)
	mux.HandleFunc("POST /agents", s.hireAgent)
	mux.HandleFunc("DELETE /agents/{name}", s.fireAgent)

	// Assignment and progress
	mux.HandleFunc("POST /agents/{name}/assign", s.assign)
	mux.HandleFunc("POST /agents/{name}/stop", s.stop)
	mux.HandleFunc("POST /agents/{name}/progress", s.reportProgress)
	mux.HandleFunc("POST /agents/{name}/note", s.reportNote)
	mux.HandleFunc("GET /agents/{name}/task", s.getTask)
	mux.HandleFunc("GET /agents/{name}/history", s.taskHistory)
	mux.HandleFunc("POST /intents", s.handleIntent)

	// Locks and requests
	mux.HandleFunc("GET /locks", s.listLocks)
	mux.HandleFunc("POST /locks", s.acquireLocks)
	mux.HandleFunc("POST /locks/release", s.releaseLocks)
	mux.HandleFunc("GET /requests", s.listRequests)
	mux.HandleFunc("POST /requests", s.requestFile)
	mux.HandleFunc("POST /requests/{id}/approve", s.approveRequest)
	mux.HandleFunc("POST /requests/{id}/deny", s.denyRequest)

	// Health and recovery
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("POST /health/check", s.checkHealth)
	mux.HandleFunc("GET /agents/{name}/health", s.agentHealth)
	mux.HandleFunc("POST /agents/{name}/recover", s.recoverAgent)
	mux.HandleFunc("POST /agents/{name}/clear-escalation", s.clearEscalation)
	mux.HandleFunc("GET /recovery/summary", s.recoverySummary)
	mux.HandleFunc("GET /recovery/history", s.recoveryHistory)

	mux.HandleFunc("GET /metrics", s.metrics)
	mux.HandleFunc("GET /audit", s.audit)

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting foreman daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps known errors to status codes. Anything else is logged
// and reported as a generic internal error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownIntent),
		errors.Is(err, models.ErrUnknownFile), errors.Is(err, models.ErrInvalidPercent):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidAgent), errors.Is(err, models.ErrNoActiveTask),
		errors.Is(err, models.ErrRequestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrAgentExists), errors.Is(err, models.ErrResourceConflict),
		errors.Is(err, models.ErrAlreadyResolved), errors.Is(err, models.ErrAlreadyAssigned),
		errors.Is(err, models.ErrNotAssigned), errors.Is(err, models.ErrTaskExists),
		errors.Is(err, models.ErrRecoveryExhausted), errors.Is(err, recovery.ErrInProgress),
		errors.Is(err, bridge.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, recovery.ErrCoolingDown):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrSessionStart):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrInvalidInput
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil {
		return v
	}
	return def
}

// --- Health ---

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		s.logger.Error("health check: database", "error", err)
		resp.OK = false
		resp.DB = "error"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Roster Handlers ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.service.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) hireAgent(w http.ResponseWriter, r *http.Request) {
	var req models.Agent
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.service.HireAgent(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) fireAgent(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.FireAgent(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Assignment Handlers ---

type assignRequest struct {
	Description string   `json:"description"`
	Files       []string `json:"files"`
	Reason      string   `json:"reason"`
}

func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.Assign(r.Context(), bridge.AssignRequest{
		Agent:       r.PathValue("name"),
		Description: req.Description,
		Files:       req.Files,
		Reason:      req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Stop(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var in Intent
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.HandleIntent(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type progressRequest struct {
	File    string `json:"file"`
	Percent int    `json:"percent"`
	Note    string `json:"note"`
}

func (s *Server) reportProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.service.ReportProgress(r.Context(), r.PathValue("name"), req.File, req.Percent, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) reportNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.service.ReportNote(r.Context(), r.PathValue("name"), req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.service.Task(r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.TaskHistory(r.Context(), r.PathValue("name"), queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*models.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Lock Handlers ---

type lockRequest struct {
	Agent  string   `json:"agent"`
	Files  []string `json:"files"`
	Reason string   `json:"reason"`
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.service.Locks(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if locks == nil {
		locks = []models.FileLock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *Server) acquireLocks(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	outcomes, err := s.service.Lock(r.Context(), req.Agent, req.Files, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) releaseLocks(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	released, err := s.service.Release(r.Context(), req.Agent, req.Files)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"released": released})
}

type fileRequest struct {
	Requester string `json:"requester"`
	File      string `json:"file"`
	Reason    string `json:"reason"`
}

type fileRequestResponse struct {
	Result    string `json:"result"`
	Owner     string `json:"owner,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) requestFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.service.RequestFile(r.Context(), req.Requester, req.File, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fileRequestResponse{Result: res.String(), Owner: res.Owner, RequestID: res.RequestID})
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.service.Requests(r.Context(), models.RequestStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []models.FileRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) approveRequest(w http.ResponseWriter, r *http.Request) {
	ok, err := s.service.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"approved": ok})
}

func (s *Server) denyRequest(w http.ResponseWriter, r *http.Request) {
	ok, err := s.service.Deny(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"denied": ok})
}

// --- Health & Recovery Handlers ---

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) checkHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.CheckHealth(r.Context()))
}

func (s *Server) agentHealth(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.service.AgentHealth(r.PathValue("name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no health record"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) recoverAgent(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.service.Recover(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) clearEscalation(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.service.ClearEscalation(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

func (s *Server) recoverySummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.service.RecoverySummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) recoveryHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.service.RecoveryHistory(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Metrics())
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.Audit(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

