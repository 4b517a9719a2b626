// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ws accepts launch monitor connections over websocket and adapts
// them to the same net.Conn shape the TCP listener produces, so sessions
// are transport-blind. Monitors may announce a name with the "name" query
// parameter on the upgrade request.
package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// DefaultPath is the upgrade endpoint used when Config.Path is empty.
const DefaultPath = "/"

// ConnHandler owns an upgraded connection for its whole lifetime, including
// closing it.
type ConnHandler interface {
	// HandleConn serves one connection until it is done. The name is taken
	// from the upgrade request's "name" query parameter, or "".
	HandleConn(ctx context.Context, conn net.Conn, name string)
}

// Config holds the websocket listener configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// Path is the HTTP path that accepts upgrades. Defaults to "/".
	Path string

	// TLSConfig is optional TLS configuration for the listener.
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active sessions to
	// drain during graceful shutdown.
	ShutdownTimeout time.Duration

	// Logger for listener events.
	Logger *slog.Logger
}

// Server upgrades HTTP requests to websocket sessions and hands each one to
// the configured ConnHandler.
type Server struct {
	config   Config
	h        ConnHandler
	upgrader websocket.Upgrader
	wg       sync.WaitGroup

	mu   sync.Mutex
	addr string
}

// New creates a websocket server with the given configuration and handler.
func New(cfg Config, h ConnHandler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	return &Server{
		config: cfg,
		h:      h,
		upgrader: websocket.Upgrader{
			// Launch monitors are not browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Addr returns the bound listen address once Listen is up, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen starts the server and blocks until the context is cancelled.
// It implements graceful shutdown with session draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.Addr()))
	}

	// Sessions get their own context so forced closure stays in the
	// listener's hands rather than following ctx directly.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, func(w http.ResponseWriter, r *http.Request) {
		s.upgrade(connCtx, w, r)
	})
	srv := &http.Server{Handler: mux}

	s.config.Logger.Info("websocket listener started",
		slog.String("address", s.Addr()),
		slog.String("path", s.config.Path))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("websocket server: %w", err)
	case <-ctx.Done():
	}

	s.config.Logger.Info("shutdown signal received, closing listener")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.config.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
	}

	// Upgraded sessions are hijacked, so Shutdown does not wait for them.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing session closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

func (s *Server) upgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Debug("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	name := r.URL.Query().Get("name")

	s.wg.Add(1)
	defer s.wg.Done()
	s.h.HandleConn(ctx, NewConn(wsConn), name)
}
