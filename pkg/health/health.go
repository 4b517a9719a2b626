// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the recorded outcome of a single health check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Checker manages health checks. Check results are cached for the
// configured TTL so probe traffic does not hammer the checks themselves.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a health check under the given name.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Health runs all registered checks, serving cached results where fresh.
// The overall status is degraded when some checks fail and unhealthy when
// all of them do.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	c.mu.Unlock()

	var checks []Check
	failed := 0

	for _, name := range names {
		check := c.run(ctx, name)
		if check == nil {
			continue
		}
		if check.Status != StatusHealthy {
			failed++
		}
		checks = append(checks, *check)
	}

	switch {
	case len(checks) == 0 || failed == 0:
		return StatusHealthy, checks
	case failed == len(checks):
		return StatusUnhealthy, checks
	default:
		return StatusDegraded, checks
	}
}

func (c *Checker) run(ctx context.Context, name string) *Check {
	c.mu.Lock()
	fn, ok := c.checks[name]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	start := time.Now()
	err := fn(ctx)

	check := &Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		DurationMS:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}

	c.mu.Lock()
	c.cache[name] = check
	c.mu.Unlock()
	return check
}

type report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// HTTPHandler serves the full health report. It answers 200 unless every
// check is failing, so a single degraded dependency keeps traffic flowing.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report{Status: status, Checks: checks})
	}
}

// ReadinessHandler serves a readiness probe. Unlike HTTPHandler it refuses
// traffic on any failing check.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report{Status: status, Checks: checks})
	}
}

// LivenessHandler serves a plain liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}
