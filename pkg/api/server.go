// Package api exposes the HTTP control plane: database lifecycle, query
// execution, health, and the OpenAPI document.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sirrobot01/dbctl/pkg/apperr"
	"github.com/sirrobot01/dbctl/pkg/database"
	"github.com/sirrobot01/dbctl/pkg/runtime"
)

// Server handles API requests
type Server struct {
	manager  *database.Manager
	executor *database.Executor
	docker   runtime.Client
}

// NewServer creates a new API server
func NewServer(manager *database.Manager, executor *database.Executor, dockerClient runtime.Client) *Server {
	return &Server{
		manager:  manager,
		executor: executor,
		docker:   dockerClient,
	}
}

// Handler returns a handler for all API routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(corsMiddleware)

	r.Route("/db", func(r chi.Router) {
		r.Post("/new", s.handleCreateDb)
		r.Get("/{id}", s.handleDbStatus)
		r.Delete("/{id}", s.handleDestroyDb)
		r.Post("/{id}/query", s.handleQuery)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Get("/docs", s.handleDocs)

	return r
}

func (s *Server) handleCreateDb(w http.ResponseWriter, r *http.Request) {
	var req CreateDbRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	// An explicit db_id must be a UUID; the canonical form keys metadata.
	id := ""
	if req.DbID != "" {
		parsed, err := uuid.Parse(req.DbID)
		if err != nil {
			badRequest(w, "Invalid database id")
			return
		}
		id = parsed.String()
	}

	inst, restored, err := s.manager.GetOrCreate(r.Context(), req.Dialect, id)
	if err != nil {
		log.Error().Err(err).Str("dialect", req.Dialect).Msg("Failed to create database")
		errorResponse(w, err)
		return
	}

	jsonResponse(w, http.StatusOK, CreateDbResponse{
		DbID:     inst.DbID,
		Dialect:  inst.Dialect,
		Status:   wireStatus(inst.Status),
		Restored: restored,
	})
}

func (s *Server) handleDbStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	inst, err := s.manager.Get(id)
	if err == nil {
		// A running instance can still have a backup from an earlier
		// archive cycle.
		backupAvailable := false
		if stored, serr := s.manager.GetStored(id); serr == nil {
			backupAvailable = stored.BackupKey != ""
		}

		jsonResponse(w, http.StatusOK, DbStatusResponse{
			DbID:            inst.DbID,
			Dialect:         inst.Dialect,
			Status:          wireStatus(inst.Status),
			CreatedAt:       inst.CreatedAt,
			LastActivity:    inst.LastActivity,
			ExpiresAt:       inst.LastActivity.Add(s.manager.InactivityTimeout()),
			BackupAvailable: backupAvailable,
		})
		return
	}
	if !apperr.IsKind(err, apperr.DbNotFound) {
		errorResponse(w, err)
		return
	}

	// Not live: archived and restoring instances still report status from
	// their metadata.
	stored, err := s.manager.GetStored(id)
	if err != nil {
		errorResponse(w, err)
		return
	}

	jsonResponse(w, http.StatusOK, DbStatusResponse{
		DbID:            stored.DbID,
		Dialect:         stored.Dialect,
		Status:          wireStatus(stored.Status),
		CreatedAt:       stored.CreatedAt,
		LastActivity:    stored.LastActivity,
		ExpiresAt:       stored.LastActivity.Add(s.manager.InactivityTimeout()),
		BackupAvailable: stored.BackupKey != "",
		ArchivedAt:      stored.ArchivedAt,
	})
}

func (s *Server) handleDestroyDb(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.manager.Destroy(r.Context(), id); err != nil {
		errorResponse(w, err)
		return
	}

	jsonResponse(w, http.StatusOK, DestroyDbResponse{
		DbID:   id,
		Status: statusDestroyed,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	// Every query counts as activity, even one that later fails.
	if err := s.manager.Touch(id); err != nil {
		errorResponse(w, err)
		return
	}
	inst, err := s.manager.Get(id)
	if err != nil {
		errorResponse(w, err)
		return
	}

	switch resolveFormat(req.Format, req.Transport) {
	case formatText:
		out, err := s.executor.ExecuteRaw(r.Context(), inst, req.Query)
		if err != nil {
			errorResponse(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(addResultSeparators(textBody(out))))
	case formatJsonl:
		events, err := s.executor.Execute(r.Context(), inst, req.Query)
		if err != nil {
			errorResponse(w, err)
			return
		}
		writeSSE(w, r, events)
	default:
		events, err := s.executor.Execute(r.Context(), inst, req.Query)
		if err != nil {
			errorResponse(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, collapseEvents(events))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, dockerStatus := "healthy", "connected"
	if err := s.docker.Ping(r.Context()); err != nil {
		status, dockerStatus = "unhealthy", "disconnected"
	}

	jsonResponse(w, http.StatusOK, HealthResponse{
		Status: status,
		Docker: dockerStatus,
	})
}

// pathID parses the {id} path segment as a UUID and writes the 400
// envelope itself on malformed input.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	parsed, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "Invalid database id")
		return "", false
	}
	return parsed.String(), true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
