// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn adapts a websocket connection to net.Conn so the rest of the proxy
// can treat both transports as a byte stream. Frames are written as text
// messages because the wire format is JSON; reads accept any message type.
// The same adapter serves the listener and the upstream dialer.
type Conn struct {
	*websocket.Conn

	r   io.Reader
	rio sync.Mutex
	wio sync.Mutex
}

// NewConn wraps ws into a net.Conn.
func NewConn(ws *websocket.Conn) net.Conn {
	return &Conn{Conn: ws}
}

// Read drains websocket messages in order, presenting them as one stream.
func (c *Conn) Read(p []byte) (int, error) {
	c.rio.Lock()
	defer c.rio.Unlock()
	for {
		if c.r == nil {
			var err error
			if _, c.r, err = c.NextReader(); err != nil {
				return 0, err
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single text message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wio.Lock()
	defer c.wio.Unlock()
	if err := c.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetDeadline applies t to both directions.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}
