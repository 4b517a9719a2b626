// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Monitor session metrics
	ConnectedMonitors *prometheus.GaugeVec
	MonitorSessions   *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec

	// Frame metrics
	Frames          *prometheus.CounterVec
	ShotsForwarded  *prometheus.CounterVec
	ShotsFiltered   *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	MalformedFrames *prometheus.CounterVec

	// Selection metrics
	ActiveSwitches *prometheus.CounterVec

	// Simulator link metrics
	UpstreamState      *prometheus.GaugeVec
	UpstreamReconnects *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedConnects *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a Metrics instance registered on the default registry.
func New(namespace string) *Metrics {
	return NewWith(namespace, prometheus.DefaultRegisterer)
}

// NewWith creates a Metrics instance registered on the given registerer.
func NewWith(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gsproxy"
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ConnectedMonitors: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_monitors",
				Help:      "Number of currently connected launch monitors",
			},
			[]string{"transport"},
		),
		MonitorSessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_sessions_total",
				Help:      "Total number of launch monitor sessions",
			},
			[]string{"transport", "status"},
		),
		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Launch monitor session duration in seconds",
				Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 7200, 14400},
			},
			[]string{"transport"},
		),
		Frames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of frames processed by source and type",
			},
			[]string{"source", "type"},
		),
		ShotsForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shots_forwarded_total",
				Help:      "Total number of shots forwarded to the simulator",
			},
			[]string{"monitor"},
		),
		ShotsFiltered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "shots_filtered_total",
				Help:      "Total number of shots withheld from the simulator",
			},
			[]string{"reason"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Total number of non-shot frames dropped",
			},
			[]string{"type", "reason"},
		),
		MalformedFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_frames_total",
				Help:      "Total number of frames that failed to parse",
			},
			[]string{"source"},
		),
		ActiveSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "active_switches_total",
				Help:      "Total number of active monitor changes",
			},
			[]string{"monitor"},
		),
		UpstreamState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_state",
				Help:      "Simulator link state (0=disconnected, 1=connecting, 2=connected)",
			},
			[]string{"address"},
		),
		UpstreamReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_reconnects_total",
				Help:      "Total number of simulator link reconnects",
			},
			[]string{"address"},
		),
		RateLimitedConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connects_total",
				Help:      "Total number of connections refused by rate limiting",
			},
			[]string{"limiter_type"},
		),
		GoroutinesActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines by component",
			},
			[]string{"component"},
		),
		MemoryAllocated: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}

	return m
}

// ObserveResources samples runtime counters into the resource gauges.
func (m *Metrics) ObserveResources() {
	m.GoroutinesActive.WithLabelValues("all").Set(float64(runtime.NumGoroutine()))

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
	m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
}
