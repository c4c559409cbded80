// Package server exposes the voice session engine over websockets: a
// control and state feed for the UI, and a relay endpoint that bridges
// remote clients to the model channel.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/room4-2/voicelive/config"
	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/session"
)

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	dialer         live.Dialer
	config         *config.Config
	relaySessions  atomic.Int32
}

// Option configures a Server
type Option func(*serverOptions)

type serverOptions struct {
	gatherer prometheus.Gatherer
}

// WithGatherer serves /metrics from g instead of the default registry
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *serverOptions) { o.gatherer = g }
}

func NewServer(cfg *config.Config, sessionManager *session.Manager, dialer live.Dialer, opts ...Option) *Server {
	o := serverOptions{gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		sessionManager: sessionManager,
		dialer:         dialer,
		config:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				// Check allowed origins
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleControl)
	mux.HandleFunc("/relay", s.handleRelay)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routed handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections
func (s *Server) Start() error {
	logger.Info("server starting", "port", s.config.Port)
	logger.Info("control endpoint", "url", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port))
	logger.Info("relay endpoint", "url", fmt.Sprintf("ws://localhost:%d/relay", s.config.Port))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down server")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"relaySessions":%d}`,
		s.sessionManager.GetActiveSessionCount(), s.relaySessions.Load())
}
