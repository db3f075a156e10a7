package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/devcoord/devcoord/internal/engine"
	"github.com/devcoord/devcoord/internal/models"
	"github.com/devcoord/devcoord/internal/store"
)

// Server provides the REST API handlers in front of the coordination engine.
type Server struct {
	engine  *engine.Engine
	store   store.Store
	logger  *slog.Logger
	limiter *RateLimiter
}

// NewServer creates a new API server. The store may be nil when running
// without persistence; the conflict history endpoints then fall back to the
// engine's in-memory view.
func NewServer(e *engine.Engine, st store.Store, logger *slog.Logger, limiter *RateLimiter) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		engine:  e,
		store:   st,
		logger:  logger,
		limiter: limiter,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions/connect", s.connectSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/heartbeat", s.heartbeat)
	mux.HandleFunc("POST /api/v1/sessions/{id}/disconnect", s.disconnectSession)

	mux.HandleFunc("POST /api/v1/locks/acquire", s.acquireLock)
	mux.HandleFunc("POST /api/v1/locks/release", s.releaseLock)
	mux.HandleFunc("POST /api/v1/locks/cancel", s.cancelAcquire)

	mux.HandleFunc("POST /api/v1/declare/edit", s.declareEdit)
	mux.HandleFunc("POST /api/v1/declare/branch", s.declareBranch)

	mux.HandleFunc("POST /api/v1/conflicts/{id}/resolve", s.resolveConflict)
	mux.HandleFunc("GET /api/v1/conflicts", s.listConflicts)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/locks", s.listLocks)

	mux.HandleFunc("GET /api/v1/projects/{id}/snapshot", s.projectSnapshot)
	mux.HandleFunc("GET /api/v1/projects/{id}/events", s.projectEvents)

	return corsMiddleware(s.rateLimitMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the engine's stable error code plus a short message.
// Translating codes into human-facing text is the consumer's job.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// writeEngineError maps engine sentinel errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	code := engine.ErrorCode(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnknownSession),
		errors.Is(err, engine.ErrUnknownProject),
		errors.Is(err, engine.ErrUnknownConflict):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrNotHolder),
		errors.Is(err, engine.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, code, err.Error())
}

// --- Sessions ---

type connectRequest struct {
	SessionID        string `json:"session_id"`
	ProjectID        string `json:"project_id"`
	UserID           string `json:"user_id"`
	Branch           string `json:"branch"`
	WorkingDirectory string `json:"working_directory"`
}

func (s *Server) connectSession(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}

	session, err := s.engine.Connect(r.Context(), engine.ConnectParams{
		SessionID:        req.SessionID,
		ProjectID:        req.ProjectID,
		UserID:           req.UserID,
		Branch:           req.Branch,
		WorkingDirectory: req.WorkingDirectory,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Heartbeat(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) disconnectSession(w http.ResponseWriter, r *http.Request) {
	released, err := s.engine.Disconnect(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

// --- Locks ---

type lockRequest struct {
	SessionID string          `json:"session_id"`
	Resource  string          `json:"resource"`
	Type      models.LockType `json:"type"`
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if req.Resource == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "resource is required")
		return
	}
	if req.Type != models.LockTypeShared && req.Type != models.LockTypeExclusive {
		writeError(w, http.StatusBadRequest, "bad_request", "type must be shared or exclusive")
		return
	}

	res, err := s.engine.Acquire(r.Context(), req.SessionID, req.Resource, req.Type)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if err := s.engine.Release(r.Context(), req.SessionID, req.Resource); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelAcquire(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if err := s.engine.CancelAcquire(r.Context(), req.SessionID, req.Resource); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Declarations ---

type declareEditRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

func (s *Server) declareEdit(w http.ResponseWriter, r *http.Request) {
	var req declareEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	conflict, err := s.engine.DeclareEdit(r.Context(), req.SessionID, req.Path)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflict": conflict})
}

type declareBranchRequest struct {
	SessionID string `json:"session_id"`
	Branch    string `json:"branch"`
	Diverged  bool   `json:"diverged"`
}

func (s *Server) declareBranch(w http.ResponseWriter, r *http.Request) {
	var req declareBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	conflict, err := s.engine.DeclareBranch(r.Context(), req.SessionID, req.Branch, req.Diverged)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflict": conflict})
}

// --- Conflicts ---

type resolveRequest struct {
	Strategy  string `json:"strategy"`
	SessionID string `json:"session_id"`
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if err := s.engine.Resolve(r.Context(), r.PathValue("id"), req.Strategy, req.SessionID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	unresolved := r.URL.Query().Get("unresolved") == "true"

	if s.store != nil {
		conflicts, err := s.store.ListConflicts(r.Context(), store.ConflictListFilter{
			ProjectID:  projectID,
			Unresolved: unresolved,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, conflicts)
		return
	}

	writeJSON(w, http.StatusOK, s.engine.Snapshot(projectID).Conflicts)
}

// --- Project views ---

func (s *Server) projectSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot(r.PathValue("id")))
}

// listSessions is the cross-project read view over session records. With a
// project_id it reads live engine state; without one it walks the persisted
// state of every project.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID != "" {
		writeJSON(w, http.StatusOK, s.engine.Snapshot(projectID).Sessions)
		return
	}

	sessions := []*models.Session{}
	if s.store != nil {
		states, err := s.store.LoadProjectStates(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		for _, st := range states {
			sessions = append(sessions, st.Sessions...)
		}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// listLocks mirrors listSessions for the lock table.
func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID != "" {
		writeJSON(w, http.StatusOK, s.engine.Snapshot(projectID).Locks)
		return
	}

	locks := map[string][]*models.Lock{}
	if s.store != nil {
		states, err := s.store.LoadProjectStates(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		for _, st := range states {
			for resource, holders := range st.Locks {
				locks[resource] = append(locks[resource], holders...)
			}
		}
	}
	writeJSON(w, http.StatusOK, locks)
}
