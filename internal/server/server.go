package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/happybits/funnel-stream/internal/config"
	"github.com/happybits/funnel-stream/internal/metrics"
	"github.com/happybits/funnel-stream/internal/session"
)

// Server is the relay's HTTP front: websocket audio ingest, finalize,
// and monitoring endpoints.
type Server struct {
	server   *http.Server
	logger   *slog.Logger
	registry *session.Registry
	metrics  *metrics.Metrics

	startTime time.Time
}

// New creates the relay server with its routes mounted.
func New(cfg config.ServerConfig, registry *session.Registry, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		logger:    logger,
		registry:  registry,
		metrics:   m,
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.withMetrics("/healthz", s.handleHealth))
	r.Get("/sessions", s.withMetrics("/sessions", s.handleSessions))
	r.Get("/sessions/{sessionID}", s.withMetrics("/sessions/{sessionID}", s.handleSessionDetail))
	r.Get("/recordings/{sessionID}/stream", s.handleStream)
	r.Post("/recordings/{sessionID}/done", s.withMetrics("/recordings/{sessionID}/done", s.handleDone))
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the mounted router, for tests that serve it directly.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting relay server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Relay server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping relay server...")
	return s.server.Shutdown(ctx)
}

// withMetrics wraps a handler with request counting and latency
// recording keyed by the route pattern.
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		if s.metrics == nil {
			return
		}
		s.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), time.Since(start).Seconds())
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			s.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter captures the status code for the metrics middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer so http.ResponseController can
// reach the connection through the metrics wrapper.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"sessions":  len(s.registry.List()),
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()
	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// handleDone finalizes a session and returns the assembled transcript.
// A finalize wait expiry is still a 200 with partial set; only unknown
// or failed sessions are error responses.
func (s *Server) handleDone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	// The bounded finalize wait may legitimately outlast the server's
	// write deadline; clear it so the response still reaches the client.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Warn("Could not clear write deadline for finalize",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}

	result, err := s.registry.Finalize(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrUnknownSession):
			http.Error(w, "Session not found", http.StatusNotFound)
		case errors.Is(err, session.ErrSessionFailed):
			http.Error(w, "Session already failed", http.StatusConflict)
		default:
			s.logger.Error("Finalize failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
			http.Error(w, "Finalize failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
