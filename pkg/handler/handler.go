// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
)

// Context describes one launch monitor session. It is passed to Handler
// methods so implementations can log, meter, or veto without reaching into
// connection internals.
type Context struct {
	// SessionID is a unique identifier for this connection/session
	SessionID string

	// Monitor is the display name of the launch monitor (LM_1, a DeviceName,
	// or the name passed on the WebSocket query string)
	Monitor string

	// RemoteAddr is the monitor's network address
	RemoteAddr string

	// Transport indicates how the monitor is connected (tcp, ws)
	Transport string

	// Player is the player name the monitor announced for itself, if any
	Player string
}

// Reason explains why a frame was not forwarded upstream.
type Reason int

const (
	// ReasonInactiveMonitor: a shot arrived from a monitor that is not the
	// active one.
	ReasonInactiveMonitor Reason = iota

	// ReasonNoActiveMonitor: a shot arrived before any monitor was selected.
	ReasonNoActiveMonitor

	// ReasonUpstreamDown: the simulator link is disconnected; nothing is
	// queued while it is.
	ReasonUpstreamDown

	// ReasonRateLimited: the monitor exceeded its per-session frame rate.
	ReasonRateLimited
)

// String returns a stable label used in logs and metrics.
func (r Reason) String() string {
	switch r {
	case ReasonInactiveMonitor:
		return "inactive_monitor"
	case ReasonNoActiveMonitor:
		return "no_active_monitor"
	case ReasonUpstreamDown:
		return "upstream_down"
	case ReasonRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Handler defines authorization and notification callbacks for proxy events.
// The session and routing layers call these methods as traffic flows.
//
// AuthConnect is called BEFORE a monitor is admitted and may return an error
// to reject the connection (rate limiting and connection caps hook in here).
//
// Notification methods (On*) are called AFTER the fact for audit logging,
// metrics, or post-processing. Errors from these methods are logged but never
// change routing decisions.
type Handler interface {
	// AuthConnect authorizes a monitor connection attempt.
	// Return an error to reject the connection before registration.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called after a monitor is registered.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called when a monitor goes away, gracefully or not.
	OnDisconnect(ctx context.Context, hctx *Context) error

	// OnActiveChange is called when the active monitor switches. Names are
	// display names; an empty string means no monitor held the role.
	OnActiveChange(ctx context.Context, previous, current string) error

	// OnShotForwarded is called after the active monitor's shot is written
	// to the simulator.
	OnShotForwarded(ctx context.Context, hctx *Context) error

	// OnShotFiltered is called when a shot is dropped instead of forwarded.
	OnShotFiltered(ctx context.Context, hctx *Context, reason Reason) error

	// OnFrameDropped is called when a frame other than a gated shot is
	// dropped: non-shot traffic while the simulator link is down, or any
	// frame over the session's rate limit. msgType is the frame's
	// classified type label.
	OnFrameDropped(ctx context.Context, hctx *Context, msgType string, reason Reason) error

	// OnMalformedFrame is called when a peer sends bytes that do not decode.
	// source is the peer's display name, or "gspro" for the simulator.
	OnMalformedFrame(ctx context.Context, source string, err error) error

	// OnUpstreamStateChange is called on simulator link transitions
	// (disconnected, connecting, connected).
	OnUpstreamStateChange(ctx context.Context, previous, current string) error
}

// NoopHandler is a Handler implementation that allows all connections and
// ignores every notification. Useful for testing or embedding when only a
// few callbacks matter.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnActiveChange(ctx context.Context, previous, current string) error {
	return nil
}

func (h *NoopHandler) OnShotForwarded(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnShotFiltered(ctx context.Context, hctx *Context, reason Reason) error {
	return nil
}

func (h *NoopHandler) OnFrameDropped(ctx context.Context, hctx *Context, msgType string, reason Reason) error {
	return nil
}

func (h *NoopHandler) OnMalformedFrame(ctx context.Context, source string, err error) error {
	return nil
}

func (h *NoopHandler) OnUpstreamStateChange(ctx context.Context, previous, current string) error {
	return nil
}
