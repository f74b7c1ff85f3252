// Package server exposes the gateway over HTTP: session lifecycle, unary and
// SSE chat, one-shot recognition, the unary multimodal process call, and the
// WebSocket upgrade into the bidirectional stream. Every REST response is
// wrapped in the uniform {code, message, data, trace_id} envelope.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepknow/omniagent/internal/config"
	"github.com/deepknow/omniagent/internal/health"
	"github.com/deepknow/omniagent/internal/observe"
	"github.com/deepknow/omniagent/internal/orchestrator"
	"github.com/deepknow/omniagent/internal/stream"
)

const shutdownTimeout = 10 * time.Second

// Server wires the HTTP surface over the session manager, the orchestrator,
// and the stream handler.
type Server struct {
	cfg      config.ServerConfig
	sessions *orchestrator.Manager
	orch     *orchestrator.Orchestrator
	streams  *stream.Handler
	metrics  *observe.Metrics
	health   *health.Handler

	httpSrv *http.Server
}

// New builds a Server. metrics may be nil in tests; checkers feed the
// readiness probe.
func New(cfg config.ServerConfig, sessions *orchestrator.Manager, orch *orchestrator.Orchestrator, streams *stream.Handler, metrics *observe.Metrics, version string, checkers ...health.Checker) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		orch:     orch,
		streams:  streams,
		metrics:  metrics,
		health:   health.New(version, sessions.Count, checkers...),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler assembles the routed, middleware-wrapped handler. Exposed so tests
// can drive the server through httptest without a listener.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	api.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	api.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	api.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleCloseSession)
	api.HandleFunc("PUT /api/v1/sessions/{id}/config", s.handleUpdateSessionConfig)
	api.HandleFunc("POST /api/v1/chat", s.handleChat)
	api.HandleFunc("POST /api/v1/chat/stream", s.handleChatStream)
	api.HandleFunc("POST /api/v1/stt/recognize", s.handleRecognize)
	api.HandleFunc("POST /api/v1/process", s.handleProcess)
	api.HandleFunc("GET /api/v1/stream", s.handleStream)

	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/v1/", s.auth(api))

	var handler http.Handler = mux
	handler = s.recoverer(handler)
	if s.metrics != nil {
		handler = observe.Middleware(s.metrics)(handler)
	}
	return handler
}

// Start serves until ctx is cancelled, then shuts down gracefully. It returns
// the listen error, or nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
