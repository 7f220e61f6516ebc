// Package api exposes the gateway over HTTP: SSE and WebSocket streaming for
// questions, feedback intake, breaker status and health endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/circuit"
	"github.com/contextgate/contextgate/internal/gateway"
	"github.com/contextgate/contextgate/internal/models"
	"github.com/contextgate/contextgate/internal/store"
)

// askTimeout bounds one question end to end, including LLM streaming.
const askTimeout = 5 * time.Minute

// Orchestrator is the pipeline surface the API needs.
type Orchestrator interface {
	Execute(ctx context.Context, req models.Request) <-chan gateway.Event
}

// FeedbackStore attaches ratings to answered queries.
type FeedbackStore interface {
	UpdateFeedback(queryID, userID string, rating int, feedbackText string) (bool, error)
}

// Server routes HTTP traffic to the orchestrator.
type Server struct {
	orch     Orchestrator
	breakers *circuit.Registry
	feedback FeedbackStore
	mux      *http.ServeMux
}

// NewServer constructs the HTTP server. feedback may be nil, which disables
// the feedback endpoint.
func NewServer(orch Orchestrator, breakers *circuit.Registry, feedback FeedbackStore) *Server {
	s := &Server{
		orch:     orch,
		breakers: breakers,
		feedback: feedback,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/ask", s.handleAsk)
	s.mux.HandleFunc("/ws/ask", s.handleAskWS)
	s.mux.HandleFunc("/api/feedback", s.handleFeedback)
	s.mux.HandleFunc("/api/health/breakers", s.handleBreakers)
	s.mux.HandleFunc("/api/logs/stream", s.handleLogStream)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", s.handleHealthz)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Listen runs the server until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.breakers.Statuses(),
	})
}

var _ FeedbackStore = (*store.Store)(nil)
