// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream maintains the single connection to the GSPro simulator.
//
// A Connector owns exactly one socket at a time. Run supervises it: dial,
// hand the read loop every decoded frame, and on any transport failure tear
// the link down and dial again. Failed attempts back off from one second,
// doubling up to thirty; a successful connection resets the backoff, and a
// dropped connection is retried immediately.
//
// Send fails fast with errors.ErrUpstreamNotConnected while the link is
// down. Nothing is ever queued on the simulator's behalf; the router decides
// what to do with traffic that cannot be forwarded.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
	"github.com/brentyates/gspro-proxy/pkg/gspro"
	"github.com/brentyates/gspro-proxy/pkg/handler"
	"github.com/brentyates/gspro-proxy/pkg/server/ws"
)

// Transport names accepted by Config.Transport.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

const (
	initialBackoff     = time.Second
	maxBackoff         = 30 * time.Second
	writeWait          = 10 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// Source tags frames and errors that originate from the simulator link.
const Source = "gspro"

// State is the connector's link state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Receiver consumes decoded simulator frames, usually the router.
type Receiver interface {
	UpstreamFrame(msg *gspro.Message)
}

// Config holds the connector configuration.
type Config struct {
	// Address is the simulator endpoint: host:port for tcp, a host:port or
	// ws(s) URL for ws.
	Address string

	// Transport selects tcp or ws. Defaults to tcp.
	Transport string

	// TLSConfig upgrades the tcp transport to TLS, or configures the wss
	// client, when set.
	TLSConfig *tls.Config

	// Receiver gets every decoded frame from the simulator.
	Receiver Receiver

	// Handler observes state changes and malformed frames. Defaults to a
	// NoopHandler.
	Handler handler.Handler

	// Logger for link events. Defaults to slog.Default().
	Logger *slog.Logger

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
}

// Connector keeps the simulator link alive. Create with New, run with Run.
type Connector struct {
	cfg    Config
	h      handler.Handler
	logger *slog.Logger

	wmu sync.Mutex // serializes frame writes, held across socket I/O

	mu    sync.Mutex // guards link state, never held across I/O
	conn  net.Conn
	enc   *gspro.Encoder
	state State

	closed    chan struct{}
	closeOnce sync.Once
}

// New builds a Connector from cfg.
func New(cfg Config) *Connector {
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Connector{
		cfg:    cfg,
		h:      cfg.Handler,
		logger: cfg.Logger,
		closed: make(chan struct{}),
	}
}

// Run dials and supervises the simulator link until ctx is canceled or
// Close is called. It only returns on shutdown, never on link failure.
func (c *Connector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(ctx, StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(ctx, StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("simulator dial failed",
				slog.String("address", c.cfg.Address),
				slog.String("transport", c.cfg.Transport),
				slog.Duration("retry_in", backoff),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		c.install(conn)
		c.setState(ctx, StateConnected)
		c.logger.Info("simulator connected",
			slog.String("address", c.cfg.Address),
			slog.String("transport", c.cfg.Transport))

		// Unblock the read loop when the context dies.
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = c.readLoop(ctx, conn)
		stop()
		c.teardown()
		c.setState(ctx, StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			c.logger.Warn("simulator link lost", slog.Any("error", err))
		} else {
			c.logger.Info("simulator closed the connection")
		}
	}
}

// Send writes one already-encoded frame to the simulator. While the link is
// down it fails fast with errors.ErrUpstreamNotConnected; nothing is queued.
func (c *Connector) Send(raw []byte) error {
	c.mu.Lock()
	conn, enc, state := c.conn, c.enc, c.state
	c.mu.Unlock()
	if state != StateConnected || enc == nil {
		return perrors.ErrUpstreamNotConnected
	}

	// conn and enc are a matched pair; a redial between the snapshot and the
	// write leaves them pointing at the closed socket, and the write fails.
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return perrors.Wrap(err, "set simulator write deadline")
	}
	if err := enc.WriteRaw(raw); err != nil {
		// The read loop notices the dead socket and triggers the redial.
		return perrors.Wrap(err, "write to simulator")
	}
	return nil
}

// State reports the current link state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the link down and stops reconnecting. Safe to call more than
// once and before Run.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Connector) readLoop(ctx context.Context, conn net.Conn) error {
	dec := gspro.NewDecoder(conn, Source)
	for {
		msg, err := dec.Decode()
		if err != nil {
			var perr *perrors.ProtocolError
			if errors.As(err, &perr) {
				// One unparseable frame does not cost the connection; the
				// decoder resynced past it.
				c.logger.Warn("malformed simulator frame", slog.Any("error", perr.Err))
				if herr := c.h.OnMalformedFrame(ctx, perr.Source, perr.Err); herr != nil {
					c.logger.Warn("malformed frame handler failed", slog.Any("error", herr))
				}
				continue
			}
			return err
		}
		c.cfg.Receiver.UpstreamFrame(msg)
	}
}

func (c *Connector) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	if c.cfg.Transport == TransportWS {
		return c.dialWS(ctx)
	}
	return c.dialTCP(ctx)
}

func (c *Connector) dialTCP(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if c.cfg.TLSConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, c.cfg.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (c *Connector) dialWS(ctx context.Context) (net.Conn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		TLSClientConfig:  c.cfg.TLSConfig,
	}
	addr := c.cfg.Address
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	wsConn, _, err := d.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return ws.NewConn(wsConn), nil
}

func (c *Connector) install(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.enc = gspro.NewEncoder(conn)
	c.mu.Unlock()
}

func (c *Connector) teardown() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.enc = nil
	}
	c.mu.Unlock()
}

func (c *Connector) setState(ctx context.Context, next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	if err := c.h.OnUpstreamStateChange(ctx, prev.String(), next.String()); err != nil {
		c.logger.Warn("upstream state handler failed", slog.Any("error", err))
	}
}
