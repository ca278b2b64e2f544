// Package api exposes the operational HTTP interface for the pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/command"
	"github.com/reelpipe/reelpipe/internal/metrics"
	"github.com/reelpipe/reelpipe/internal/pipeline"
	"github.com/reelpipe/reelpipe/internal/sources"
)

// Server wires HTTP handlers to the running pipeline components.
type Server struct {
	router  chi.Router
	runner  command.Runner
	sources *sources.List
	ledger  pipeline.Ledger
	session command.SessionControl
	clock   pipeline.Clock
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runner command.Runner,
	srcList *sources.List,
	ledger pipeline.Ledger,
	session command.SessionControl,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		runner:  runner,
		sources: srcList,
		ledger:  ledger,
		session: session,
		clock:   clock,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/sources", s.getSources)
		r.Post("/run", s.postRun)
		r.Post("/restart", s.postRestart)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ledger.Count(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.ledger.Count(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	metrics.LedgerSize.Set(float64(count))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session":   string(s.session.State()),
		"sources":   len(s.sources.Snapshot()),
		"processed": count,
		"time":      s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Server) getSources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": s.sources.Snapshot()})
}

func (s *Server) postRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.RunOnce(r.Context())
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		s.writeError(w, http.StatusConflict, "a run is already in progress")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	case res.Published:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"published":   true,
			"fingerprint": string(res.Fingerprint),
			"remote_id":   res.RemoteID,
		})
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"published": false})
	}
}

func (s *Server) postRestart(w http.ResponseWriter, _ *http.Request) {
	s.session.Restart()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
