package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go-tasksync/queue"
	"go-tasksync/service"
	"go-tasksync/store"
	"go-tasksync/worker"

	"github.com/sirupsen/logrus"
)

const (
	maxBodyBytes   = 1 << 20
	queueListLimit = 50
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Tasks     *service.TaskService
	Applier   worker.Applier
	Queue     *queue.Queue
	Processor *worker.Processor
	DB        Pinger
	Env       string
	Log       logrus.FieldLogger
}

type Server struct {
	tasks     *service.TaskService
	applier   worker.Applier
	queue     *queue.Queue
	processor *worker.Processor
	db        Pinger
	env       string
	log       logrus.FieldLogger
}

func NewServer(addr string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// NewHandler wires every route behind the recovery and access-log middleware.
func NewHandler(deps Deps) http.Handler {
	srv := &Server{
		tasks:     deps.Tasks,
		applier:   deps.Applier,
		queue:     deps.Queue,
		processor: deps.Processor,
		db:        deps.DB,
		env:       deps.Env,
		log:       deps.Log.WithField("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", srv.postTask)
	mux.HandleFunc("GET /api/tasks", srv.getTasks)
	mux.HandleFunc("GET /api/tasks/{id}", srv.getTask)
	mux.HandleFunc("PUT /api/tasks/{id}", srv.updateTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", srv.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", srv.deleteTask)

	mux.HandleFunc("POST /api/sync/batch", srv.batchSync)
	mux.HandleFunc("POST /api/sync/trigger", srv.triggerSync)
	mux.HandleFunc("GET /api/sync/status", srv.syncStatus)
	mux.HandleFunc("GET /api/sync/queue", srv.syncQueue)

	mux.HandleFunc("GET /health", srv.health)
	mux.HandleFunc("GET /{$}", srv.root)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	})

	return srv.recoverer(srv.accessLog(mux))
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeObject(w, r)
	if !ok {
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "Title is required")
		return
	}

	task, err := s.tasks.Create(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// updateTask serves PUT and PATCH alike: only the fields present change.
func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeObject(w, r)
	if !ok {
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "Request body is required")
		return
	}

	task, err := s.tasks.Update(r.Context(), r.PathValue("id"), body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "task": task})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	db := "connected"
	if err := s.db.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("health check: database unreachable")
		db = "error"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"message":     "Task Sync API is running",
		"database":    db,
		"environment": s.env,
	})
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "Task Sync API",
		"version": "1.0.0",
		"status":  "running",
		"endpoints": map[string]string{
			"tasks":  "/api/tasks",
			"sync":   "/api/sync",
			"health": "/health",
		},
	})
}

// decodeObject reads a JSON object body. An empty body decodes to an empty map.
func (s *Server) decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, false
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, service.ErrDeleted):
		writeError(w, http.StatusNotFound, "Task has been deleted")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, store.ErrExists):
		writeError(w, http.StatusConflict, "Task already exists")
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Info("request")
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.WithField("panic", v).Error("handler panicked")
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
