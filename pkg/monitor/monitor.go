// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package monitor tracks launch monitor connections for the proxy.
//
// A Conn wraps one monitor's socket with serialized, deadline-bounded writes
// and the identity the router cares about (name, announced player, activity).
// The Registry holds every connected monitor in registration order, which is
// the order rule fallback uses.
package monitor

import (
	"net"
	"sync"
	"time"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
	"github.com/brentyates/gspro-proxy/pkg/gspro"
)

// State of a single launch monitor connection.
type State int

const (
	// StateConnecting: socket accepted, not yet registered.
	StateConnecting State = iota

	// StateOpen: registered and routable.
	StateOpen

	// StateClosing: teardown started, no further writes accepted.
	StateClosing

	// StateClosed: socket released.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// writeWait bounds one frame write so a stalled monitor cannot wedge the
// router behind its socket buffer.
const writeWait = 10 * time.Second

// Conn is one launch monitor connection. All methods are safe for
// concurrent use; writes are serialized internally.
type Conn struct {
	id        string
	transport string
	remote    string
	opened    time.Time

	nc net.Conn

	wmu sync.Mutex // serializes frame writes, held across socket I/O
	enc *gspro.Encoder

	mu         sync.Mutex // guards identity and state, never held across I/O
	name       string
	player     string
	state      State
	lastActive time.Time
}

func newConn(id, name, transport string, nc net.Conn) *Conn {
	now := time.Now()
	return &Conn{
		id:         id,
		name:       name,
		transport:  transport,
		remote:     nc.RemoteAddr().String(),
		opened:     now,
		nc:         nc,
		enc:        gspro.NewEncoder(nc),
		state:      StateConnecting,
		lastActive: now,
	}
}

// ID returns the session identifier.
func (c *Conn) ID() string {
	return c.id
}

// Transport returns how the monitor is connected (tcp, ws).
func (c *Conn) Transport() string {
	return c.transport
}

// RemoteAddr returns the monitor's network address.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Opened returns when the connection was accepted.
func (c *Conn) Opened() time.Time {
	return c.opened
}

// Name returns the display name.
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Player returns the player name this monitor announced, if any.
func (c *Conn) Player() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player
}

// SetPlayer records the player this monitor shoots for.
func (c *Conn) SetPlayer(player string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.player = player
}

// State returns the connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch records frame activity, for idle reaping.
func (c *Conn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
}

// LastActivity returns the time of the most recent frame.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Send forwards an already-encoded frame to the monitor. The bytes are
// written exactly as passed, newline-delimited, under the write deadline.
// Close interrupts an in-flight Send; the write then fails with the
// socket's close error.
func (c *Conn) Send(raw []byte) error {
	if c.State() != StateOpen {
		return perrors.ErrMonitorClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.enc.WriteRaw(raw)
}

// SendResponse marshals and sends a proxy-originated status frame.
func (c *Conn) SendResponse(resp gspro.Response) error {
	if c.State() != StateOpen {
		return perrors.ErrMonitorClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.enc.Encode(resp)
}

// Close tears the socket down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	err := c.nc.Close()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

func (c *Conn) setName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

func (c *Conn) setOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateOpen
	}
}
