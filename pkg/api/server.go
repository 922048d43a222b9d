// Package api exposes a session pool over HTTP.
//
// Every endpoint is a thin translation between JSON and a pool operation;
// pool errors map to HTTP statuses by kind. Pool events are streamed to
// websocket subscribers on /events.
//
// The tag query values of GET /sessions are glob patterns ("logged-*").
// A value starting with "=" is matched literally instead, so ?tag==a*b
// selects sessions tagged "a*b".
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/entrhq/shale/pkg/config"
	"github.com/entrhq/shale/pkg/logging"
)

// Server serves the REST API and the event stream.
type Server struct {
	cfg     config.ServerConfig
	hub     *Hub
	log     *logging.Logger
	handler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer builds the server for p. hub receives the pool's events and
// must be running (see Hub.Run).
func NewServer(cfg config.ServerConfig, p Pool, hub *Hub, log *logging.Logger) *Server {
	mux := http.NewServeMux()
	h := &handlers{pool: p}
	h.register(mux)
	mux.Handle("GET /events", hub)

	return &Server{
		cfg:     cfg,
		hub:     hub,
		log:     log,
		handler: Chain(mux, Recovery(log), Logging(log)),
	}
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorLog:     s.log.StdLogger(),
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Infof("listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones until ctx
// ends and disconnects event subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.log.Infof("shutting down HTTP server")
	return srv.Shutdown(ctx)
}
