// Package server exposes the HTTP surface: task creation and
// termination, the SSE progress stream, the workflow event intake used
// by the generation pipeline, and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iHeyTang/heyfun/internal/observability"
	"github.com/iHeyTang/heyfun/internal/storage"
	"github.com/iHeyTang/heyfun/internal/workflow"
	"github.com/iHeyTang/heyfun/pkg/models"
)

const (
	heartbeatInterval = 5 * time.Second
	progressPollEvery = time.Second
)

// Launcher runs one task to completion. The server invokes it on its
// own goroutine per created task; the context is canceled by the
// terminate endpoint.
type Launcher func(ctx context.Context, task *models.Task) error

// Deps wires the server's collaborators.
type Deps struct {
	Store        storage.Store
	Hub          *workflow.Hub
	Launch       Launcher
	InitialGrant int64
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Registry     *prometheus.Registry
}

// Server is the HTTP handler set plus the registry of running tasks.
type Server struct {
	deps Deps
	mux  *http.ServeMux

	mu     sync.Mutex
	runs   map[string]context.CancelFunc
	seeded map[string]bool
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		runs:   make(map[string]context.CancelFunc),
		seeded: make(map[string]bool),
	}
	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/terminate", s.handleTerminateTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)
	s.mux.HandleFunc("POST /api/workflow/events", s.handleWorkflowEvent)
	if deps.Registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	} else {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type createTaskRequest struct {
	OrganizationID string `json:"organization_id"`
	Request        string `json:"request"`
}

// seedCredits grants the initial balance on first sight of an
// organization. The decision is made at most once per organization:
// concurrent creates contend on the seeded flag, and a balance later
// drained to zero does not re-seed. A non-zero balance marks the
// organization as pre-existing without granting.
func (s *Server) seedCredits(ctx context.Context, orgID string) error {
	s.mu.Lock()
	if s.seeded[orgID] {
		s.mu.Unlock()
		return nil
	}
	s.seeded[orgID] = true
	s.mu.Unlock()

	unmark := func() {
		s.mu.Lock()
		delete(s.seeded, orgID)
		s.mu.Unlock()
	}
	balance, err := s.deps.Store.Balance(ctx, orgID)
	if err != nil {
		unmark()
		return err
	}
	if balance != 0 {
		return nil
	}
	if err := s.deps.Store.Grant(ctx, orgID, s.deps.InitialGrant); err != nil {
		unmark()
		return err
	}
	return nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required")
		return
	}

	ctx := r.Context()
	if s.deps.InitialGrant > 0 {
		if err := s.seedCredits(ctx, req.OrganizationID); err != nil {
			s.deps.Logger.Error("seed credits", "org", req.OrganizationID, "error", err)
			writeError(w, http.StatusInternalServerError, "credit seeding failed")
			return
		}
	}

	task := &models.Task{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		Request:        req.Request,
		Status:         models.TaskPending,
	}
	if err := s.deps.Store.CreateTask(ctx, task); err != nil {
		s.deps.Logger.Error("create task", "error", err)
		writeError(w, http.StatusInternalServerError, "create task failed")
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.runs[task.ID] = cancel
	s.mu.Unlock()
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.runs, task.ID)
			s.mu.Unlock()
			cancel()
		}()
		if err := s.deps.Launch(runCtx, task); err != nil {
			s.deps.Logger.Error("task run failed", "task", task.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if err == storage.ErrNotFound {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTerminateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetTask(r.Context(), id); err != nil {
		if err == storage.ErrNotFound {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	s.mu.Lock()
	cancel, running := s.runs[id]
	s.mu.Unlock()
	if running {
		// The loop observes the cancellation and marks the task
		// terminated itself.
		cancel()
	} else {
		if err := s.deps.Store.UpdateTaskStatus(r.Context(), id, models.TaskTerminated); err != nil {
			writeError(w, http.StatusInternalServerError, "terminate failed")
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}

type workflowEventRequest struct {
	EventKey string          `json:"event_key"`
	Data     json.RawMessage `json:"data"`
}

// handleWorkflowEvent is the intake for out-of-band pipelines: the
// generation pipeline posts its terminal result here, which resolves
// the suspended WaitForEvent inside the paintboard executor. Generation
// events also update the task row directly so that pollers (runs
// without a workflow context) converge too.
func (s *Server) handleWorkflowEvent(w http.ResponseWriter, r *http.Request) {
	var req workflowEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.EventKey) == "" {
		writeError(w, http.StatusBadRequest, "event_key is required")
		return
	}

	ctx := r.Context()
	if genID, ok := strings.CutPrefix(req.EventKey, "generation:"); ok {
		var payload struct {
			AssetKey string `json:"asset_key"`
			Error    string `json:"error"`
		}
		if err := json.Unmarshal(req.Data, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid generation payload")
			return
		}
		if err := s.deps.Store.CompleteGenerationTask(ctx, genID, payload.AssetKey, payload.Error); err != nil && err != storage.ErrNotFound {
			s.deps.Logger.Error("complete generation task", "generation", genID, "error", err)
		}
	}

	if err := s.deps.Hub.Publish(ctx, req.EventKey, req.Data); err != nil {
		s.deps.Logger.Error("publish workflow event", "key", req.EventKey, "error", err)
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
