// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
	"github.com/brentyates/gspro-proxy/pkg/gspro"
	"github.com/brentyates/gspro-proxy/pkg/handler"
	"github.com/brentyates/gspro-proxy/pkg/monitor"
)

// HandleConn serves one monitor connection from accept to teardown. It
// implements the listeners' ConnHandler; name is the transport-supplied
// monitor name, or "" when the registry should assign one.
func (p *Proxy) HandleConn(ctx context.Context, conn net.Conn, name string) {
	// The registry check is what caps websocket sessions; the TCP listener
	// already enforces its own limit at accept.
	if p.cfg.MaxConnections > 0 && p.registry.Len() >= p.cfg.MaxConnections {
		p.logger.Warn("connection limit reached",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.Int("limit", p.cfg.MaxConnections))
		_ = conn.Close()
		return
	}

	c := p.registry.Register(conn, name, p.transport)
	hctx := &handler.Context{
		SessionID:  c.ID(),
		Monitor:    c.Name(),
		RemoteAddr: c.RemoteAddr(),
		Transport:  c.Transport(),
	}

	if err := p.h.AuthConnect(ctx, hctx); err != nil {
		p.logger.Warn("monitor rejected",
			slog.String("remote", hctx.RemoteAddr),
			slog.Any("error", err))
		p.registry.Unregister(c.ID())
		_ = c.Close()
		return
	}

	if err := p.h.OnConnect(ctx, hctx); err != nil {
		p.logger.Warn("connect handler failed", slog.Any("error", err))
	}
	p.logger.Info("monitor connected",
		slog.String("monitor", c.Name()),
		slog.String("remote", hctx.RemoteAddr),
		slog.String("transport", hctx.Transport))

	// Tear the socket down if the listener forces shutdown mid-session.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })

	p.readFrames(ctx, conn, c, hctx, name == "")

	stop()
	p.registry.Unregister(c.ID())
	p.router.MonitorClosed(c.ID())
	_ = c.Close()
	if p.limiter != nil {
		p.limiter.Remove(c.ID())
	}
	if err := p.h.OnDisconnect(ctx, hctx); err != nil {
		p.logger.Warn("disconnect handler failed", slog.Any("error", err))
	}
	p.logger.Info("monitor disconnected", slog.String("monitor", c.Name()))
}

// readFrames decodes monitor frames and posts them to the router until the
// connection ends. allowRename lets the first frame carrying a device name
// replace the registry-assigned one.
func (p *Proxy) readFrames(ctx context.Context, conn net.Conn, c *monitor.Conn, hctx *handler.Context, allowRename bool) {
	dec := gspro.NewDecoder(conn, c.Name())
	for {
		msg, err := dec.Decode()
		if err != nil {
			var perr *perrors.ProtocolError
			if errors.As(err, &perr) {
				// A monitor that sends garbage loses its session; unlike
				// the simulator link, the stream may be desynced for good.
				p.logger.Warn("malformed monitor frame",
					slog.String("monitor", c.Name()),
					slog.Any("error", perr.Err))
				if herr := p.h.OnMalformedFrame(ctx, c.Name(), perr.Err); herr != nil {
					p.logger.Warn("malformed frame handler failed", slog.Any("error", herr))
				}
				return
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.logger.Debug("monitor read ended",
					slog.String("monitor", c.Name()),
					slog.Any("error", err))
			}
			return
		}

		c.Touch()

		if p.limiter != nil && !p.limiter.Allow(c.ID()) {
			p.logger.Warn("monitor frame rate exceeded",
				slog.String("monitor", c.Name()),
				slog.String("type", msg.Type.String()))
			if herr := p.h.OnFrameDropped(ctx, hctx, msg.Type.String(), handler.ReasonRateLimited); herr != nil {
				p.logger.Warn("frame dropped handler failed", slog.Any("error", herr))
			}
			continue
		}

		if allowRename && msg.Device != "" {
			if p.registry.Rename(c.ID(), msg.Device) {
				p.logger.Info("monitor identified",
					slog.String("monitor", msg.Device),
					slog.String("session", c.ID()))
				hctx.Monitor = msg.Device
			}
			allowRename = false
		}

		p.router.MonitorFrame(c.ID(), msg)
	}
}
