// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ConnHandler owns an accepted connection for its whole lifetime, including
// closing it. The listener itself never reads frames; it enforces the
// connection cap and completes the TLS handshake, then hands off.
type ConnHandler interface {
	// HandleConn serves one connection until it is done. The name is the
	// monitor name the transport carried, or "" when it carried none.
	HandleConn(ctx context.Context, conn net.Conn, name string)
}

// Config holds the TCP listener configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// TLSConfig is optional TLS configuration for the listener.
	TLSConfig *tls.Config

	// MaxConnections caps concurrently served connections. Zero means no
	// cap. Connections over the cap are closed right after accept.
	MaxConnections int

	// ShutdownTimeout is the maximum time to wait for active connections to
	// drain during graceful shutdown. After this timeout, remaining
	// connections are forcefully closed.
	ShutdownTimeout time.Duration

	// Logger for listener events.
	Logger *slog.Logger
}

// Server accepts launch monitor connections and hands each one to the
// configured ConnHandler.
type Server struct {
	config Config
	h      ConnHandler
	wg     sync.WaitGroup

	mu     sync.Mutex
	addr   string
	active int
}

// New creates a TCP server with the given configuration and handler.
func New(cfg Config, h ConnHandler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Server{
		config: cfg,
		h:      h,
	}
}

// Addr returns the bound listen address once Listen is up, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen starts the server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
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

	s.config.Logger.Info("TCP listener started", slog.String("address", s.Addr()))

	// Sessions get their own context so forced closure stays in the
	// listener's hands rather than following ctx directly.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			if !s.acquire() {
				s.config.Logger.Warn("connection limit reached",
					slog.String("remote", conn.RemoteAddr().String()),
					slog.Int("limit", s.config.MaxConnections))
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.release()
				s.serve(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.config.Logger.Debug("TLS handshake failed",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			conn.Close()
			return
		}
	}

	// TCP carries no monitor name; the first frame's DeviceName may supply one.
	s.h.HandleConn(ctx, conn, "")
}

func (s *Server) acquire() bool {
	if s.config.MaxConnections <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.config.MaxConnections {
		return false
	}
	s.active++
	return true
}

func (s *Server) release() {
	if s.config.MaxConnections <= 0 {
		return
	}
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}
