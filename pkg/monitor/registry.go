// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the connected monitor set. Mutations take the registry lock;
// reads hand out snapshots so no caller ever holds it across I/O.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	order   []string
	counter uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
	}
}

// Register admits a connection and returns its Conn. An empty name gets an
// auto-generated LM_n label from a monotonic counter; numbers are never
// reused within a process, so a reconnecting monitor cannot collide with a
// name still in use.
func (r *Registry) Register(nc net.Conn, name, transport string) *Conn {
	id := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		r.counter++
		name = fmt.Sprintf("LM_%d", r.counter)
	}

	c := newConn(id, name, transport, nc)
	c.setOpen()
	r.conns[id] = c
	r.order = append(r.order, id)
	return c
}

// Unregister removes a monitor from the set. It does not close the socket;
// the session owns that. Unregistering an unknown or already-removed id is
// a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the monitor with the given session id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// List returns the connected monitors in registration order.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conns[id])
	}
	return out
}

// Len returns the number of connected monitors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Rename updates a monitor's display name, typically when its first frame
// carries a DeviceName for a connection that was auto-named.
func (r *Registry) Rename(id, name string) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok || name == "" {
		return false
	}
	c.setName(name)
	return true
}

// ByPlayer returns the earliest-registered monitor that announced the given
// player name.
func (r *Registry) ByPlayer(player string) (*Conn, bool) {
	if player == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if c := r.conns[id]; c.Player() == player {
			return c, true
		}
	}
	return nil, false
}

// ReapIdle closes monitors whose last frame is older than maxIdle and
// returns them. The sessions notice the closed sockets and unregister
// themselves, so the registry shrinks shortly after.
func (r *Registry) ReapIdle(maxIdle time.Duration) []*Conn {
	cutoff := time.Now().Add(-maxIdle)

	var idle []*Conn
	for _, c := range r.List() {
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	for _, c := range idle {
		_ = c.Close()
	}
	return idle
}

// CloseAll closes every connected monitor. Used during shutdown after the
// listener has stopped accepting.
func (r *Registry) CloseAll() {
	for _, c := range r.List() {
		_ = c.Close()
	}
}
