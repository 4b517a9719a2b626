// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrUpstreamNotConnected indicates the simulator link is down.
	ErrUpstreamNotConnected = errors.New("upstream not connected")

	// ErrNoActiveMonitor indicates no launch monitor is currently active.
	ErrNoActiveMonitor = errors.New("no active monitor")

	// ErrMonitorClosed indicates the launch monitor connection is gone.
	ErrMonitorClosed = errors.New("monitor closed")

	// ErrMalformedFrame indicates a frame that could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrInvalidConfig indicates unusable configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidRule indicates a selection rule with missing fields.
	ErrInvalidRule = errors.New("invalid selection rule")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTooManyConnections indicates the listener connection cap was hit.
	ErrTooManyConnections = errors.New("too many connections")
)

// ProtocolError reports an undecodable or out-of-contract frame together
// with the peer that produced it. Transport failures are not ProtocolErrors;
// callers distinguish the two with errors.As.
type ProtocolError struct {
	Source string // peer label: monitor name or "gspro"
	Err    error  // Underlying decode error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %v", e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ProxyError wraps an error with session context.
type ProxyError struct {
	Op         string // Operation that failed
	Transport  string // Transport (tcp, ws)
	SessionID  string // Session identifier
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Transport, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, transport, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Transport:  transport,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
