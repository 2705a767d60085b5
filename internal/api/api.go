// Package api is the ops REST surface mounted by serve. It is a thin JSON
// layer over the store, the sandbox manager, and the cleanup reconciler;
// nothing here holds state of its own.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/joescharf/dispatch/internal/cleanup"
	"github.com/joescharf/dispatch/internal/models"
	"github.com/joescharf/dispatch/internal/sandbox"
	"github.com/joescharf/dispatch/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	store      store.Store
	manager    *sandbox.Manager
	reconciler *cleanup.Reconciler
}

// NewServer creates a new API server.
func NewServer(s store.Store, m *sandbox.Manager, r *cleanup.Reconciler) *Server {
	return &Server{
		store:      s,
		manager:    m,
		reconciler: r,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/codebases", s.listCodebases)
	mux.HandleFunc("GET /api/v1/conversations", s.listConversations)

	mux.HandleFunc("GET /api/v1/environments", s.listEnvironments)
	mux.HandleFunc("POST /api/v1/environments", s.createEnvironment)
	mux.HandleFunc("DELETE /api/v1/environments/{id}", s.removeEnvironment)

	mux.HandleFunc("POST /api/v1/cleanup", s.runCleanup)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
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

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// lookupCodebase accepts a codebase name or record id.
func (s *Server) lookupCodebase(r *http.Request, key string) (*models.Codebase, error) {
	cb, err := s.store.GetCodebaseByName(r.Context(), key)
	if err == nil {
		return cb, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.store.GetCodebase(r.Context(), key)
}

// --- Status ---

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	entries, err := s.reconciler.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []cleanup.CodebaseSummary{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Codebases ---

func (s *Server) listCodebases(w http.ResponseWriter, r *http.Request) {
	codebases, err := s.store.ListCodebases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if codebases == nil {
		codebases = []*models.Codebase{}
	}
	writeJSON(w, http.StatusOK, codebases)
}

// --- Conversations ---

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	codebaseID := ""
	if key := r.URL.Query().Get("codebase"); key != "" {
		cb, err := s.lookupCodebase(r, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		codebaseID = cb.ID
	}

	conversations, err := s.store.ListConversations(r.Context(), codebaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// --- Environments ---

func (s *Server) listEnvironments(w http.ResponseWriter, r *http.Request) {
	filter := store.EnvFilter{Status: models.EnvStatusActive}
	if st := r.URL.Query().Get("status"); st != "" {
		if st == "all" {
			filter.Status = ""
		} else {
			filter.Status = models.EnvStatus(st)
		}
	}
	if key := r.URL.Query().Get("codebase"); key != "" {
		cb, err := s.lookupCodebase(r, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		filter.CodebaseID = cb.ID
	}

	envs, err := s.store.ListEnvironments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if envs == nil {
		envs = []*models.Environment{}
	}
	writeJSON(w, http.StatusOK, envs)
}

// CreateEnvironmentRequest is the JSON body for POST /api/v1/environments.
type CreateEnvironmentRequest struct {
	Codebase     string `json:"codebase"`
	WorkflowType string `json:"workflow_type"`
	WorkflowID   string `json:"workflow_id"`
	PRBranch     string `json:"pr_branch,omitempty"`
	PRSHA        string `json:"pr_sha,omitempty"`
	ForkPR       bool   `json:"fork_pr,omitempty"`
}

func (s *Server) createEnvironment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Codebase == "" {
		writeError(w, http.StatusBadRequest, "codebase is required")
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}

	wt := models.WorkflowType(req.WorkflowType)
	if wt == "" {
		wt = models.WorkflowTask
	}
	switch wt {
	case models.WorkflowIssue, models.WorkflowPR, models.WorkflowTask, models.WorkflowThread:
	default:
		writeError(w, http.StatusBadRequest, "invalid workflow_type: "+req.WorkflowType)
		return
	}

	cb, err := s.lookupCodebase(r, req.Codebase)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	env, err := s.manager.Resolve(r.Context(), sandbox.ResolveRequest{
		Codebase: cb,
		Hints: &sandbox.Hints{
			WorkflowType: wt,
			WorkflowID:   req.WorkflowID,
			PRBranch:     req.PRBranch,
			PRSHA:        req.PRSHA,
			IsForkPR:     req.ForkPR,
		},
		PlatformType: "api",
	})
	var limitErr *sandbox.LimitError
	if errors.As(err, &limitErr) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":              limitErr.Error(),
			"active":             limitErr.Active,
			"limit":              limitErr.Limit,
			"reclaimable_merged": limitErr.ReclaimableMerged,
			"reclaimable_stale":  limitErr.ReclaimableStale,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (s *Server) removeEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"

	err := s.reconciler.RemoveOne(r.Context(), id, force)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		// a safety refusal is a conflict, not a server fault
		if strings.Contains(err.Error(), "use force to override") {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Cleanup ---

func (s *Server) runCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := s.reconciler.RunScheduledPass(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result.Removed == nil {
		result.Removed = []string{}
	}
	if result.Skipped == nil {
		result.Skipped = []cleanup.Skipped{}
	}
	writeJSON(w, http.StatusOK, result)
}
