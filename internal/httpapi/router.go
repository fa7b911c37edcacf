// Package httpapi exposes a running sync engine over a small JSON API.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/studyquest/studysync/internal/core"
)

// Engine is the part of the sync engine the API drives.
type Engine interface {
	Status() core.AppSyncStatus
	IsOnline() bool
	SetOnline(online bool) error
	Enqueue(ctx context.Context, op core.OperationType, collectionPath, entityID string, data map[string]interface{}) (*core.MutationQueueItem, error)
	PendingMutations() []*core.MutationQueueItem
	ProcessQueue(ctx context.Context) error
	PendingRetries() []core.RetryQueueItem
	ProcessRetries(ctx context.Context) error
}

// Server holds dependencies for HTTP handlers
type Server struct {
	Engine Engine
	Logger zerolog.Logger
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all engine endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.GetStatus)

		r.Get("/mutations", s.ListMutations)
		r.Post("/mutations", s.EnqueueMutation)
		r.Post("/sync", s.Sync)

		r.Get("/retries", s.ListRetries)
		r.Post("/retries/process", s.ProcessRetries)

		r.Put("/connectivity", s.SetConnectivity)
		r.Post("/ids", s.GenerateIDs)
	})

	s.Logger.Info().Msg("HTTP routes registered")
	return r
}

// accessLog logs one line per request and attaches a request-scoped logger
// to the context.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.Logger.With().
			Str("component", "httpapi").
			Str("request_id", middleware.GetReqID(r.Context())).
			Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Msg("request served")
	})
}
