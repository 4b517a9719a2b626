// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP listener for launch monitor connections.
//
// # Overview
//
// The server accepts plain TCP or TLS connections and hands each one to a
// ConnHandler, which owns the connection for the rest of its lifetime. The
// server never reads frames: it enforces the connection cap and completes
// the TLS handshake, then gets out of the way.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌─────────────┐
//	│ Monitor │ ←─TCP─→ │  Server │ ──────→ │ ConnHandler │
//	└─────────┘         └─────────┘         └─────────────┘
//
// # Connection Flow
//
//  1. Monitor connects to the listen address
//  2. Server accepts and checks the connection cap
//  3. Server completes the TLS handshake when TLS is configured
//  4. ConnHandler.HandleConn serves the connection until it is done
//  5. ConnHandler closes the connection
//
// # Graceful Shutdown
//
// When the context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for active connections to drain (ShutdownTimeout)
//  3. After the timeout, remaining sessions are cancelled
//  4. Returns ErrShutdownTimeout if they still do not finish
//
// # TLS Support
//
// Optional TLS termination:
//
//	tlsConfig := &tls.Config{
//		Certificates: []tls.Certificate{cert},
//	}
//	cfg := tcp.Config{
//		Address:   ":8888",
//		TLSConfig: tlsConfig,
//	}
//
// # Configuration
//
//   - Address: listen address (e.g., ":8888")
//   - TLSConfig: optional TLS configuration
//   - MaxConnections: cap on concurrently served connections (0 = no cap)
//   - ShutdownTimeout: max wait for graceful shutdown (default: 30s)
//   - Logger: structured logger
//
// # Example
//
//	cfg := tcp.Config{
//		Address:         ":8888",
//		ShutdownTimeout: 30 * time.Second,
//	}
//
//	server := tcp.New(cfg, sessions)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
