// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler defines the policy and observability hooks the proxy calls
// as monitor sessions live and frames route.
//
// # Architecture Overview
//
// The proxy core decides what to forward; the Handler hears about every
// decision and may veto exactly one of them (AuthConnect). Implementations
// plug in logging, metrics, or admission control without touching the
// routing code.
//
// # Handler Methods
//
// The authorization method runs before a session is served:
//   - AuthConnect: may reject a monitor before any frame is read
//
// Notification methods (On*) report decisions already made:
//   - OnConnect, OnDisconnect: session lifecycle
//   - OnActiveChange: a different monitor holds the active role
//   - OnShotForwarded: the active monitor's shot reached the simulator
//   - OnShotFiltered: a shot was withheld, with the Reason
//   - OnFrameDropped: a non-shot frame was dropped (rate limit, link down)
//   - OnMalformedFrame: a peer sent bytes that do not decode
//   - OnUpstreamStateChange: the simulator link changed state
//
// Notification errors are logged and otherwise ignored; only AuthConnect
// changes what the proxy does.
//
// # Context
//
// The Context struct carries session metadata across handler calls:
//   - SessionID: unique identifier for this connection
//   - Monitor: display name (LM_n, a DeviceName, or the ws query name)
//   - RemoteAddr: monitor's network address
//   - Transport: how the monitor is connected (tcp, ws)
//   - Player: player name the monitor announced, if any
//
// # Implementation
//
// Embed NoopHandler to implement only the methods of interest:
//
//	type Auditor struct {
//		handler.NoopHandler
//	}
//
//	func (a *Auditor) OnShotFiltered(ctx context.Context, hctx *handler.Context, reason handler.Reason) error {
//		log.Printf("%s: shot filtered (%s)", hctx.Monitor, reason)
//		return nil
//	}
package handler
