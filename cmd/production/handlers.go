// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
	"github.com/brentyates/gspro-proxy/pkg/handler"
	"github.com/brentyates/gspro-proxy/pkg/metrics"
	"github.com/brentyates/gspro-proxy/pkg/ratelimit"
)

// RateLimitedHandler wraps a handler with connect rate limiting.
type RateLimitedHandler struct {
	handler   handler.Handler
	perRemote *ratelimit.Limiter
	global    *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// AuthConnect implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	if !h.global.Allow() {
		h.metrics.RateLimitedConnects.WithLabelValues("global").Inc()
		h.logger.Warn("global connect rate exceeded",
			slog.String("remote", hctx.RemoteAddr),
			slog.String("transport", hctx.Transport))
		return perrors.ErrRateLimited
	}

	// One bucket per remote host, so a flapping monitor cannot starve others.
	key := hctx.RemoteAddr
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}
	if !h.perRemote.Allow(key) {
		h.metrics.RateLimitedConnects.WithLabelValues("per_remote").Inc()
		h.logger.Warn("per-remote connect rate exceeded",
			slog.String("remote", hctx.RemoteAddr),
			slog.String("transport", hctx.Transport))
		return perrors.ErrRateLimited
	}

	return h.handler.AuthConnect(ctx, hctx)
}

// OnConnect implements handler.Handler.
func (h *RateLimitedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnDisconnect implements handler.Handler.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnDisconnect(ctx, hctx)
}

// OnActiveChange implements handler.Handler.
func (h *RateLimitedHandler) OnActiveChange(ctx context.Context, previous, current string) error {
	return h.handler.OnActiveChange(ctx, previous, current)
}

// OnShotForwarded implements handler.Handler.
func (h *RateLimitedHandler) OnShotForwarded(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnShotForwarded(ctx, hctx)
}

// OnShotFiltered implements handler.Handler.
func (h *RateLimitedHandler) OnShotFiltered(ctx context.Context, hctx *handler.Context, reason handler.Reason) error {
	return h.handler.OnShotFiltered(ctx, hctx, reason)
}

// OnFrameDropped implements handler.Handler.
func (h *RateLimitedHandler) OnFrameDropped(ctx context.Context, hctx *handler.Context, msgType string, reason handler.Reason) error {
	return h.handler.OnFrameDropped(ctx, hctx, msgType, reason)
}

// OnMalformedFrame implements handler.Handler.
func (h *RateLimitedHandler) OnMalformedFrame(ctx context.Context, source string, err error) error {
	return h.handler.OnMalformedFrame(ctx, source, err)
}

// OnUpstreamStateChange implements handler.Handler.
func (h *RateLimitedHandler) OnUpstreamStateChange(ctx context.Context, previous, current string) error {
	return h.handler.OnUpstreamStateChange(ctx, previous, current)
}

// InstrumentedHandler wraps a handler with Prometheus instrumentation.
type InstrumentedHandler struct {
	handler  handler.Handler
	metrics  *metrics.Metrics
	upstream string

	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewInstrumentedHandler creates an instrumented wrapper around next.
func NewInstrumentedHandler(next handler.Handler, m *metrics.Metrics, upstreamAddr string) *InstrumentedHandler {
	return &InstrumentedHandler{
		handler:  next,
		metrics:  m,
		upstream: upstreamAddr,
		sessions: make(map[string]time.Time),
	}
}

// AuthConnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	err := h.handler.AuthConnect(ctx, hctx)
	if err != nil {
		h.metrics.MonitorSessions.WithLabelValues(hctx.Transport, "rejected").Inc()
	}
	return err
}

// OnConnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	h.sessions[hctx.SessionID] = time.Now()
	h.mu.Unlock()

	h.metrics.ConnectedMonitors.WithLabelValues(hctx.Transport).Inc()
	h.metrics.MonitorSessions.WithLabelValues(hctx.Transport, "accepted").Inc()

	return h.handler.OnConnect(ctx, hctx)
}

// OnDisconnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.metrics.ConnectedMonitors.WithLabelValues(hctx.Transport).Dec()

	h.mu.Lock()
	if start, ok := h.sessions[hctx.SessionID]; ok {
		delete(h.sessions, hctx.SessionID)
		h.metrics.SessionDuration.WithLabelValues(hctx.Transport).Observe(time.Since(start).Seconds())
	}
	h.mu.Unlock()

	return h.handler.OnDisconnect(ctx, hctx)
}

// OnActiveChange implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnActiveChange(ctx context.Context, previous, current string) error {
	monitor := current
	if monitor == "" {
		monitor = "none"
	}
	h.metrics.ActiveSwitches.WithLabelValues(monitor).Inc()

	return h.handler.OnActiveChange(ctx, previous, current)
}

// OnShotForwarded implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnShotForwarded(ctx context.Context, hctx *handler.Context) error {
	h.metrics.ShotsForwarded.WithLabelValues(hctx.Monitor).Inc()
	h.metrics.Frames.WithLabelValues("monitor", "shot").Inc()

	return h.handler.OnShotForwarded(ctx, hctx)
}

// OnShotFiltered implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnShotFiltered(ctx context.Context, hctx *handler.Context, reason handler.Reason) error {
	h.metrics.ShotsFiltered.WithLabelValues(reason.String()).Inc()
	h.metrics.Frames.WithLabelValues("monitor", "shot").Inc()

	return h.handler.OnShotFiltered(ctx, hctx, reason)
}

// OnFrameDropped implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnFrameDropped(ctx context.Context, hctx *handler.Context, msgType string, reason handler.Reason) error {
	h.metrics.FramesDropped.WithLabelValues(msgType, reason.String()).Inc()
	h.metrics.Frames.WithLabelValues("monitor", msgType).Inc()

	return h.handler.OnFrameDropped(ctx, hctx, msgType, reason)
}

// OnMalformedFrame implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnMalformedFrame(ctx context.Context, source string, err error) error {
	h.metrics.MalformedFrames.WithLabelValues(source).Inc()

	return h.handler.OnMalformedFrame(ctx, source, err)
}

// OnUpstreamStateChange implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnUpstreamStateChange(ctx context.Context, previous, current string) error {
	h.metrics.UpstreamState.WithLabelValues(h.upstream).Set(stateValue(current))
	if current == "connected" {
		h.metrics.UpstreamReconnects.WithLabelValues(h.upstream).Inc()
	}

	return h.handler.OnUpstreamStateChange(ctx, previous, current)
}

func stateValue(state string) float64 {
	switch state {
	case "connecting":
		return 1
	case "connected":
		return 2
	default:
		return 0
	}
}
