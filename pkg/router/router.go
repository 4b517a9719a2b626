// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router owns every routing decision the proxy makes.
//
// All state transitions run on a single goroutine fed by an inbox channel:
// connection read loops post frames and lifecycle notices, Run consumes them
// in arrival order. That keeps the active-monitor selection, the last known
// player info, and every forward/drop decision serialized without fine
// grained locking. The only concurrent surface is Active, which reads a
// guarded copy.
//
// Routing summary:
//
//	monitor shot        forwarded iff the sender is active, else dropped
//	monitor heartbeat   forwarded unconditionally
//	monitor player info records the player, activates the sender, forwards
//	monitor other       forwarded unconditionally
//	simulator 201       re-runs selection, broadcast to every monitor
//	simulator response  by player correlation, else active monitor, else broadcast
//
// While the simulator link is down nothing is queued: every forward attempt
// is dropped with an observable event, and traffic resumes as soon as the
// connector recovers.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
	"github.com/brentyates/gspro-proxy/pkg/gspro"
	"github.com/brentyates/gspro-proxy/pkg/handler"
	"github.com/brentyates/gspro-proxy/pkg/monitor"
	"github.com/brentyates/gspro-proxy/pkg/rules"
)

// shotIgnoredMessage is the refusal sent to inactive monitors when
// RejectFiltered is enabled.
const shotIgnoredMessage = "Shot ignored - this launch monitor is not active for the current player"

const defaultInboxSize = 256

// Upstream is the simulator link the router forwards through.
type Upstream interface {
	// Send writes one already-encoded frame to the simulator. It returns
	// errors.ErrUpstreamNotConnected while the link is down; nothing is
	// queued on its behalf.
	Send(raw []byte) error
}

// Config collects the router's collaborators.
type Config struct {
	// Registry holds the connected monitors.
	Registry *monitor.Registry

	// Engine selects the active monitor from player metadata.
	Engine *rules.Engine

	// Upstream is the simulator link.
	Upstream Upstream

	// Handler receives observable events. Defaults to a NoopHandler.
	Handler handler.Handler

	// Logger for routing decisions. Defaults to slog.Default().
	Logger *slog.Logger

	// RejectFiltered answers filtered shots with a Code 400 frame instead
	// of dropping them silently.
	RejectFiltered bool

	// InboxSize is the routing queue depth. Posting blocks when it fills,
	// which back-pressures the offending connection's read loop only.
	InboxSize int
}

type eventKind int

const (
	monitorFrame eventKind = iota
	upstreamFrame
	monitorGone
)

type event struct {
	kind      eventKind
	monitorID string
	msg       *gspro.Message
}

// Router applies the routing rules. Create with New, then call Run exactly
// once; the posting methods are safe from any goroutine while Run is up.
type Router struct {
	registry       *monitor.Registry
	engine         *rules.Engine
	upstream       Upstream
	h              handler.Handler
	logger         *slog.Logger
	rejectFiltered bool

	inbox chan event
	done  chan struct{}

	mu         sync.RWMutex
	activeID   string
	activeName string
	lastPlayer map[string]string
}

// New builds a Router from cfg.
func New(cfg Config) *Router {
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	return &Router{
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		upstream:       cfg.Upstream,
		h:              cfg.Handler,
		logger:         cfg.Logger,
		rejectFiltered: cfg.RejectFiltered,
		inbox:          make(chan event, cfg.InboxSize),
		done:           make(chan struct{}),
	}
}

// Run consumes the inbox until ctx is canceled. It never returns early on
// bad traffic; malformed frames were already weeded out by the sessions.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.inbox:
			r.handle(ctx, ev)
		}
	}
}

// MonitorFrame posts one decoded frame from a monitor session.
func (r *Router) MonitorFrame(monitorID string, msg *gspro.Message) {
	r.post(event{kind: monitorFrame, monitorID: monitorID, msg: msg})
}

// UpstreamFrame posts one decoded frame from the simulator.
func (r *Router) UpstreamFrame(msg *gspro.Message) {
	r.post(event{kind: upstreamFrame, msg: msg})
}

// MonitorClosed tells the router a monitor left the registry. Posting after
// the registry removal keeps re-selection consistent with the remaining set.
func (r *Router) MonitorClosed(monitorID string) {
	r.post(event{kind: monitorGone, monitorID: monitorID})
}

func (r *Router) post(ev event) {
	select {
	case r.inbox <- ev:
	case <-r.done:
	}
}

// Active returns the active monitor's session id, if one holds the role.
func (r *Router) Active() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID, r.activeID != ""
}

// ActiveName returns the active monitor's display name, or "".
func (r *Router) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeName
}

// LastPlayer returns a copy of the most recent player info attributes.
func (r *Router) LastPlayer() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastPlayer == nil {
		return nil
	}
	cp := make(map[string]string, len(r.lastPlayer))
	for k, v := range r.lastPlayer {
		cp[k] = v
	}
	return cp
}

func (r *Router) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case monitorFrame:
		r.handleMonitorFrame(ctx, ev.monitorID, ev.msg)
	case upstreamFrame:
		r.handleUpstreamFrame(ctx, ev.msg)
	case monitorGone:
		r.handleMonitorGone(ctx, ev.monitorID)
	}
}

func (r *Router) handleMonitorFrame(ctx context.Context, id string, msg *gspro.Message) {
	c, ok := r.registry.Get(id)
	if !ok {
		// The session unregistered while this frame sat in the inbox.
		return
	}
	hctx := r.contextFor(c)

	switch msg.Type {
	case gspro.TypeShot:
		r.routeShot(ctx, c, hctx, msg)

	case gspro.TypePlayerInfo:
		// The monitor announced which player it shoots for; that claim
		// also makes it the active monitor.
		if msg.PlayerName != "" {
			c.SetPlayer(msg.PlayerName)
			hctx.Player = msg.PlayerName
		}
		r.setActive(ctx, c.ID(), c.Name())
		r.forwardFrame(ctx, hctx, msg)

	default:
		// Heartbeats, device identification, vendor extras: the simulator
		// hears them all, no matter who is active.
		r.forwardFrame(ctx, hctx, msg)
	}
}

func (r *Router) routeShot(ctx context.Context, c *monitor.Conn, hctx *handler.Context, msg *gspro.Message) {
	activeID, hasActive := r.Active()

	if !hasActive || activeID != c.ID() {
		reason := handler.ReasonInactiveMonitor
		if !hasActive {
			reason = handler.ReasonNoActiveMonitor
		}
		r.logger.Debug("shot filtered",
			slog.String("monitor", hctx.Monitor),
			slog.String("reason", reason.String()))
		if err := r.h.OnShotFiltered(ctx, hctx, reason); err != nil {
			r.logger.Warn("shot filtered handler failed", slog.Any("error", err))
		}
		if r.rejectFiltered {
			rej := gspro.Response{Code: gspro.CodeBadRequest, Message: shotIgnoredMessage}
			if err := c.SendResponse(rej); err != nil {
				r.logger.Warn("failed to send shot rejection",
					slog.String("monitor", hctx.Monitor),
					slog.Any("error", err))
				_ = c.Close()
			}
		}
		return
	}

	if err := r.upstream.Send(msg.Raw); err != nil {
		if !errors.Is(err, perrors.ErrUpstreamNotConnected) {
			r.logger.Warn("shot forward failed",
				slog.String("monitor", hctx.Monitor),
				slog.Any("error", err))
		}
		if err := r.h.OnShotFiltered(ctx, hctx, handler.ReasonUpstreamDown); err != nil {
			r.logger.Warn("shot filtered handler failed", slog.Any("error", err))
		}
		return
	}

	r.logger.Debug("shot forwarded", slog.String("monitor", hctx.Monitor))
	if err := r.h.OnShotForwarded(ctx, hctx); err != nil {
		r.logger.Warn("shot forwarded handler failed", slog.Any("error", err))
	}
}

// forwardFrame sends a non-shot frame upstream. Failures drop the frame with
// an event; nothing is queued while the simulator is away.
func (r *Router) forwardFrame(ctx context.Context, hctx *handler.Context, msg *gspro.Message) {
	if err := r.upstream.Send(msg.Raw); err != nil {
		if !errors.Is(err, perrors.ErrUpstreamNotConnected) {
			r.logger.Warn("frame forward failed",
				slog.String("monitor", hctx.Monitor),
				slog.String("type", msg.Type.String()),
				slog.Any("error", err))
		}
		if err := r.h.OnFrameDropped(ctx, hctx, msg.Type.String(), handler.ReasonUpstreamDown); err != nil {
			r.logger.Warn("frame dropped handler failed", slog.Any("error", err))
		}
	}
}

func (r *Router) handleUpstreamFrame(ctx context.Context, msg *gspro.Message) {
	// A 201 Player broadcast drives selection. Legacy PlayerInfo envelopes
	// without a Player object are correlation traffic, handled below.
	if msg.Type == gspro.TypePlayerInfo && msg.Player != nil {
		r.handlePlayerChange(ctx, msg)
		return
	}

	if msg.PlayerName != "" {
		if c, ok := r.registry.ByPlayer(msg.PlayerName); ok {
			r.deliver(c, msg)
			return
		}
	}

	if activeID, ok := r.Active(); ok {
		if c, found := r.registry.Get(activeID); found {
			r.deliver(c, msg)
			return
		}
	}

	// No addressee: let every monitor see it rather than eat it.
	r.broadcast(msg)
}

func (r *Router) handlePlayerChange(ctx context.Context, msg *gspro.Message) {
	r.mu.Lock()
	r.lastPlayer = msg.Player
	r.mu.Unlock()

	r.logger.Info("player info received", slog.Any("player", msg.Player))
	r.reselect(ctx)

	// Every monitor tracks the player change, active or not.
	r.broadcast(msg)
}

// reselect runs the rule engine against the current registry snapshot and
// the last known player info. Selecting the monitor that is already active
// is a no-op: no event, no log.
func (r *Router) reselect(ctx context.Context) {
	snapshot := r.snapshot()

	r.mu.RLock()
	attrs := r.lastPlayer
	r.mu.RUnlock()

	sel, ok := r.engine.Select(attrs, snapshot)
	if !ok {
		r.clearActive(ctx)
		return
	}
	r.setActive(ctx, sel.ID, sel.Name)
}

func (r *Router) snapshot() []rules.Monitor {
	conns := r.registry.List()
	out := make([]rules.Monitor, 0, len(conns))
	for _, c := range conns {
		out = append(out, rules.Monitor{ID: c.ID(), Name: c.Name()})
	}
	return out
}

func (r *Router) setActive(ctx context.Context, id, name string) {
	r.mu.Lock()
	if r.activeID == id {
		r.mu.Unlock()
		return
	}
	previous := r.activeName
	r.activeID = id
	r.activeName = name
	r.mu.Unlock()

	r.logger.Info("active monitor changed",
		slog.String("previous", previous),
		slog.String("current", name))
	if err := r.h.OnActiveChange(ctx, previous, name); err != nil {
		r.logger.Warn("active change handler failed", slog.Any("error", err))
	}
}

func (r *Router) clearActive(ctx context.Context) {
	r.mu.Lock()
	if r.activeID == "" {
		r.mu.Unlock()
		return
	}
	previous := r.activeName
	r.activeID = ""
	r.activeName = ""
	r.mu.Unlock()

	r.logger.Info("active monitor cleared", slog.String("previous", previous))
	if err := r.h.OnActiveChange(ctx, previous, ""); err != nil {
		r.logger.Warn("active change handler failed", slog.Any("error", err))
	}
}

// handleMonitorGone re-runs selection when the active monitor leaves. The
// registry no longer lists it, so the engine picks a successor from what
// remains, using the last known player info, or clears the role entirely.
func (r *Router) handleMonitorGone(ctx context.Context, id string) {
	r.mu.RLock()
	wasActive := r.activeID == id
	r.mu.RUnlock()
	if !wasActive {
		return
	}
	r.reselect(ctx)
}

func (r *Router) deliver(c *monitor.Conn, msg *gspro.Message) {
	if err := c.Send(msg.Raw); err != nil {
		r.logger.Warn("failed to deliver simulator frame",
			slog.String("monitor", c.Name()),
			slog.Any("error", perrors.New("deliver", c.Transport(), c.ID(), c.RemoteAddr(), err)))
		_ = c.Close()
	}
}

func (r *Router) broadcast(msg *gspro.Message) {
	for _, c := range r.registry.List() {
		r.deliver(c, msg)
	}
}

func (r *Router) contextFor(c *monitor.Conn) *handler.Context {
	return &handler.Context{
		SessionID:  c.ID(),
		Monitor:    c.Name(),
		RemoteAddr: c.RemoteAddr(),
		Transport:  c.Transport(),
		Player:     c.Player(),
	}
}
