package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"taskcycle/pkg/actor"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/lifecycle"
	"taskcycle/pkg/notify"
	"taskcycle/pkg/task"
)

// Lifecycle is the slice of the state machine the API needs.
type Lifecycle interface {
	Create(ctx context.Context, t *task.Task, by actor.Actor) (*task.Task, error)
	Transition(ctx context.Context, taskID string, to task.Status, by actor.Actor) (*task.Task, error)
	UpdateProgress(ctx context.Context, taskID string, percent int, note string, by actor.Actor) (*task.Task, error)
}

// CronRunner exposes the scheduler jobs for manual triggering.
type CronRunner interface {
	ProcessRecurringTasks(ctx context.Context) (int, error)
	SendReminders(ctx context.Context) (int, error)
}

// Server is the HTTP API server.
type Server struct {
	tasks  task.Store
	ledger audit.Ledger
	notes  notify.Store
	life   Lifecycle
	cron   CronRunner
	mux    *http.ServeMux
}

// New creates a new Server.
func New(tasks task.Store, ledger audit.Ledger, notes notify.Store, life Lifecycle, cron CronRunner) *Server {
	s := &Server{
		tasks:  tasks,
		ledger: ledger,
		notes:  notes,
		life:   life,
		cron:   cron,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("POST /api/tasks/{id}/transition", s.handleTaskTransition)
	s.mux.HandleFunc("POST /api/tasks/{id}/progress", s.handleTaskProgress)
	s.mux.HandleFunc("GET /api/tasks/{id}/audit", s.handleTaskAudit)
	s.mux.HandleFunc("GET /api/tasks/{id}/notifications", s.handleTaskNotifications)

	// Audit
	s.mux.HandleFunc("GET /api/audit", s.handleAuditRecent)

	// Notifications
	s.mux.HandleFunc("GET /api/notifications", s.handleNotificationsByUser)

	// Cron (manual triggers for the scheduler jobs)
	s.mux.HandleFunc("POST /api/cron/recurring", s.handleCronRecurring)
	s.mux.HandleFunc("POST /api/cron/reminders", s.handleCronReminders)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
}

// callerActor resolves the acting identity from request headers. Identity is
// established upstream; these headers are trusted.
func callerActor(r *http.Request) (actor.Actor, int, string) {
	id := r.Header.Get("X-Actor-Id")
	if id == "" {
		return actor.Actor{}, 401, "X-Actor-Id header is required"
	}
	typ := actor.Type(r.Header.Get("X-Actor-Type"))
	if typ == "" {
		typ = actor.TypeHuman
	}
	if !typ.Valid() {
		return actor.Actor{}, 400, "invalid X-Actor-Type: " + string(typ)
	}
	return actor.Actor{ID: id, Type: typ}, 0, ""
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return 404
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrInvalidState):
		return 409
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
