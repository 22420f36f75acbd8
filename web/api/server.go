// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/trend-orchestrator/internal/cache"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
	"github.com/hochfrequenz/trend-orchestrator/internal/observer"
	"github.com/hochfrequenz/trend-orchestrator/internal/pipeline"
)

// Pipeline is the run controller as seen by the API
type Pipeline interface {
	StartRun(ctx context.Context, query []string, wantVideo bool) (string, error)
	GetRunStatus(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.Run, error)
	Cancel(id string) error
	RetryVideo(ctx context.Context, runID string) (string, error)
	Search(ctx context.Context, query []string) ([]domain.Finding, error)
}

// Cache is the part of the cache store the API manages
type Cache interface {
	Invalidate(ctx context.Context, fp fingerprint.Fingerprint) error
	Stats() cache.Stats
}

// Metrics provides aggregated run metrics
type Metrics interface {
	GetMetrics() observer.Metrics
}

// Server is the HTTP API server. It is also a pipeline.Listener that fans run
// events out to SSE and WebSocket clients.
type Server struct {
	pipeline Pipeline
	cache    Cache
	metrics  Metrics
	addr     string
	mux      *http.ServeMux
	hub      *EventHub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics exposes run metrics on /api/status
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new API server
func NewServer(p Pipeline, c Cache, addr string, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		cache:    c,
		addr:     addr,
		mux:      http.NewServeMux(),
		logger:   zap.NewNop(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewEventHub(s.logger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.healthHandler())
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("POST /api/runs", s.startRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRunHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/video", s.retryVideoHandler())
	s.mux.HandleFunc("DELETE /api/cache/{fingerprint}", s.invalidateCacheHandler())
	s.mux.HandleFunc("GET /api/search", s.searchHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
}

// Handler returns the HTTP handler with all routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api: listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// OnEvent implements pipeline.Listener
func (s *Server) OnEvent(e pipeline.Event) {
	if e.Run == nil {
		return
	}
	s.hub.Broadcast(Event{Type: string(e.Type), Data: runToResponse(e.Run, e.At)})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
