// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy wires the launch monitor listener, the connection registry,
// the routing core, and the simulator connector into one runnable unit.
//
// Many monitors connect to the proxy; the proxy holds exactly one
// connection to GSPro. Player information frames from the simulator decide
// which monitor's shots pass through; heartbeats and device chatter always
// do. The listener, the router, and the connector each run on their own
// goroutines under Listen, and shutdown drains them in that order.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
	"github.com/brentyates/gspro-proxy/pkg/gspro"
	"github.com/brentyates/gspro-proxy/pkg/handler"
	"github.com/brentyates/gspro-proxy/pkg/monitor"
	"github.com/brentyates/gspro-proxy/pkg/ratelimit"
	"github.com/brentyates/gspro-proxy/pkg/router"
	"github.com/brentyates/gspro-proxy/pkg/rules"
	"github.com/brentyates/gspro-proxy/pkg/server/tcp"
	"github.com/brentyates/gspro-proxy/pkg/server/ws"
	"github.com/brentyates/gspro-proxy/pkg/upstream"
)

// Transport names accepted by Config.Transport.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// Config holds the proxy configuration.
type Config struct {
	// ListenAddress accepts launch monitor connections (host:port).
	ListenAddress string

	// Transport is the monitor-facing transport: tcp or ws. Defaults to tcp.
	Transport string

	// WSPath is the websocket upgrade path when Transport is ws.
	WSPath string

	// TLSConfig is optional TLS for the monitor-facing listener.
	TLSConfig *tls.Config

	// UpstreamAddress is the GSPro endpoint (host:port, or a ws URL).
	UpstreamAddress string

	// UpstreamTransport is the simulator-facing transport: tcp or ws.
	// Defaults to tcp.
	UpstreamTransport string

	// UpstreamTLSConfig is optional TLS for the simulator link.
	UpstreamTLSConfig *tls.Config

	// Rules select the active monitor from player metadata, evaluated in
	// order. Empty means the built-in handedness defaults.
	Rules []rules.Rule

	// RejectFiltered answers filtered shots with a Code 400 frame instead
	// of dropping them silently.
	RejectFiltered bool

	// IdleTimeout closes monitors with no traffic for this long. Zero
	// disables idle reaping.
	IdleTimeout time.Duration

	// FrameRate caps each monitor's frames per second, with FrameBurst
	// allowed above the sustained rate. Zero disables the limiter.
	FrameRate  float64
	FrameBurst int

	// MaxConnections caps concurrently connected monitors. Zero means no cap.
	MaxConnections int

	// ShutdownTimeout bounds the listener drain on shutdown.
	ShutdownTimeout time.Duration

	// Logger for proxy events. Defaults to slog.Default().
	Logger *slog.Logger
}

type listener interface {
	Listen(ctx context.Context) error
	Addr() string
}

// Proxy multiplexes launch monitors onto one GSPro connection. Create with
// New, run with Listen.
type Proxy struct {
	cfg       Config
	logger    *slog.Logger
	h         handler.Handler
	transport string

	registry  *monitor.Registry
	router    *router.Router
	connector *upstream.Connector
	listener  listener
	limiter   *ratelimit.Limiter
}

// New validates cfg and builds the proxy. The handler may be nil.
func New(cfg Config, h handler.Handler) (*Proxy, error) {
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("%w: listen address required", perrors.ErrInvalidConfig)
	}
	if cfg.UpstreamAddress == "" {
		return nil, fmt.Errorf("%w: upstream address required", perrors.ErrInvalidConfig)
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	if cfg.Transport != TransportTCP && cfg.Transport != TransportWS {
		return nil, fmt.Errorf("%w: unknown transport %q", perrors.ErrInvalidConfig, cfg.Transport)
	}
	if cfg.UpstreamTransport == "" {
		cfg.UpstreamTransport = TransportTCP
	}
	if cfg.UpstreamTransport != TransportTCP && cfg.UpstreamTransport != TransportWS {
		return nil, fmt.Errorf("%w: unknown upstream transport %q", perrors.ErrInvalidConfig, cfg.UpstreamTransport)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = rules.Defaults()
	}
	if err := rules.Validate(cfg.Rules); err != nil {
		return nil, err
	}

	p := &Proxy{
		cfg:       cfg,
		logger:    cfg.Logger,
		h:         h,
		transport: cfg.Transport,
		registry:  monitor.NewRegistry(),
	}

	p.connector = upstream.New(upstream.Config{
		Address:   cfg.UpstreamAddress,
		Transport: cfg.UpstreamTransport,
		TLSConfig: cfg.UpstreamTLSConfig,
		Receiver:  p,
		Handler:   h,
		Logger:    cfg.Logger,
	})

	p.router = router.New(router.Config{
		Registry:       p.registry,
		Engine:         rules.NewEngine(cfg.Rules),
		Upstream:       p.connector,
		Handler:        h,
		Logger:         cfg.Logger,
		RejectFiltered: cfg.RejectFiltered,
	})

	if cfg.FrameRate > 0 {
		p.limiter = ratelimit.New(rate.Limit(cfg.FrameRate), cfg.FrameBurst, cfg.MaxConnections)
	}

	switch cfg.Transport {
	case TransportWS:
		p.listener = ws.New(ws.Config{
			Address:         cfg.ListenAddress,
			Path:            cfg.WSPath,
			TLSConfig:       cfg.TLSConfig,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          cfg.Logger,
		}, p)
	default:
		p.listener = tcp.New(tcp.Config{
			Address:         cfg.ListenAddress,
			TLSConfig:       cfg.TLSConfig,
			MaxConnections:  cfg.MaxConnections,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          cfg.Logger,
		}, p)
	}

	return p, nil
}

// UpstreamFrame feeds a decoded simulator frame into the router. It
// implements the connector's Receiver.
func (p *Proxy) UpstreamFrame(msg *gspro.Message) {
	p.router.UpstreamFrame(msg)
}

// Addr returns the monitor-facing listen address once Listen is up, or "".
func (p *Proxy) Addr() string {
	return p.listener.Addr()
}

// MonitorCount returns the number of connected monitors.
func (p *Proxy) MonitorCount() int {
	return p.registry.Len()
}

// ActiveMonitor returns the active monitor's display name, or "".
func (p *Proxy) ActiveMonitor() string {
	return p.router.ActiveName()
}

// UpstreamState reports the simulator link state.
func (p *Proxy) UpstreamState() upstream.State {
	return p.connector.State()
}

// Listen runs the proxy until ctx is cancelled: the monitor listener, the
// router, the simulator connector, and the idle reaper when configured.
// Shutdown drains the listener first so in-flight frames still route, then
// closes remaining monitors, then the simulator link.
func (p *Proxy) Listen(ctx context.Context) error {
	// The router and connector outlive the listener on purpose; they are
	// stopped explicitly after the drain.
	backend, stopBackend := context.WithCancel(context.Background())
	defer stopBackend()

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		_ = p.router.Run(backend)
	}()

	connectorDone := make(chan struct{})
	go func() {
		defer close(connectorDone)
		_ = p.connector.Run(backend)
	}()

	p.logger.Info("proxy starting",
		slog.String("listen", p.cfg.ListenAddress),
		slog.String("transport", p.transport),
		slog.String("upstream", p.cfg.UpstreamAddress),
		slog.String("upstream_transport", p.cfg.UpstreamTransport))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.listener.Listen(gctx)
	})
	if p.cfg.IdleTimeout > 0 {
		g.Go(func() error {
			p.reapIdleMonitors(gctx)
			return nil
		})
	}
	err := g.Wait()

	p.registry.CloseAll()
	_ = p.connector.Close()
	stopBackend()
	<-connectorDone
	<-routerDone

	p.logger.Info("proxy stopped")
	return err
}

// reapIdleMonitors polls at half the idle timeout and closes monitors that
// have gone quiet. The session teardown path does the unregistering.
func (p *Proxy) reapIdleMonitors(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range p.registry.ReapIdle(p.cfg.IdleTimeout) {
				p.logger.Info("idle monitor closed",
					slog.String("monitor", c.Name()),
					slog.String("remote", c.RemoteAddr()))
			}
		}
	}
}
