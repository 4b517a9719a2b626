// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client rate limiting with token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxKeys = 10000

// Limiter tracks one token bucket per client key. Buckets are created on
// first use and live until Remove; the key count is capped so an abusive
// peer cannot grow the map without bound.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	maxKeys int
}

// New creates a Limiter allowing limit events per second with the given
// burst per client. maxKeys caps the number of tracked clients; zero means
// 10000.
func New(limit rate.Limit, burst, maxKeys int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &Limiter{
		clients: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
		maxKeys: maxKeys,
	}
}

// Allow reports whether one event from key is allowed now.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN reports whether n events from key are allowed now. Keys over the
// cap are refused outright.
func (l *Limiter) AllowN(key string, n int) bool {
	l.mu.Lock()
	lim, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.maxKeys {
			l.mu.Unlock()
			return false
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[key] = lim
	}
	l.mu.Unlock()

	return lim.AllowN(time.Now(), n)
}

// Remove drops the bucket for key. Sessions call this on disconnect so the
// map only holds live clients.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, key)
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
