// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main provides a production-ready proxy deployment with metrics,
// health checks, and connect rate limiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/brentyates/gspro-proxy/examples/simple"
	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
	"github.com/brentyates/gspro-proxy/pkg/health"
	"github.com/brentyates/gspro-proxy/pkg/metrics"
	"github.com/brentyates/gspro-proxy/pkg/proxy"
	"github.com/brentyates/gspro-proxy/pkg/ratelimit"
	"github.com/brentyates/gspro-proxy/pkg/rules"
	"github.com/brentyates/gspro-proxy/pkg/upstream"
)

// Config holds the application configuration.
type Config struct {
	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Resource limits
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"64"`
	MaxGoroutines  int `env:"MAX_GOROUTINES"  envDefault:"10000"`

	// Connect rate limiting
	ConnectRate        float64 `env:"CONNECT_RATE"         envDefault:"1"`
	ConnectBurst       int     `env:"CONNECT_BURST"        envDefault:"5"`
	GlobalConnectRate  float64 `env:"GLOBAL_CONNECT_RATE"  envDefault:"10"`
	GlobalConnectBurst int     `env:"GLOBAL_CONNECT_BURST" envDefault:"20"`

	// Per-session frame rate limiting
	FrameRate  float64 `env:"FRAME_RATE"  envDefault:"50"`
	FrameBurst int     `env:"FRAME_BURST" envDefault:"100"`

	// Timeouts
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT"     envDefault:"300s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Proxy endpoints
	ListenAddress  string `env:"LISTEN_ADDRESS"  envDefault:"0.0.0.0:8888"`
	Transport      string `env:"TRANSPORT"       envDefault:"tcp"`
	GSProAddress   string `env:"GSPRO_ADDRESS"   envDefault:"localhost:921"`
	GSProTransport string `env:"GSPRO_TRANSPORT" envDefault:"tcp"`
	RulesFile      string `env:"RULES_FILE"      envDefault:"player_monitor_config.json"`
	RejectFiltered bool   `env:"REJECT_FILTERED" envDefault:"false"`
}

func main() {
	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gspro-proxy in production mode",
		slog.String("listen", cfg.ListenAddress),
		slog.String("gspro", cfg.GSProAddress),
		slog.Int("max_connections", cfg.MaxConnections))

	m := metrics.New("gsproxy")
	m.UpstreamState.WithLabelValues(cfg.GSProAddress).Set(0)

	go startMetricsServer(cfg.MetricsPort, logger)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		m.ObserveResources()
		count := runtime.NumGoroutine()
		if count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})

	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	selection, err := rules.Load(cfg.RulesFile)
	if err != nil {
		logger.Error("failed to load selection rules",
			slog.String("path", cfg.RulesFile),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Handler chain: rate limiting gates connects, instrumentation sees the
	// final outcome of every event.
	perRemote := ratelimit.New(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst, 10000)
	rateLimited := &RateLimitedHandler{
		handler:   simple.New(logger),
		perRemote: perRemote,
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalConnectRate), cfg.GlobalConnectBurst),
		metrics:   m,
		logger:    logger,
	}
	instrumented := NewInstrumentedHandler(rateLimited, m, cfg.GSProAddress)

	p, err := proxy.New(proxy.Config{
		ListenAddress:     cfg.ListenAddress,
		Transport:         cfg.Transport,
		UpstreamAddress:   cfg.GSProAddress,
		UpstreamTransport: cfg.GSProTransport,
		Rules:             selection,
		RejectFiltered:    cfg.RejectFiltered,
		IdleTimeout:       cfg.IdleTimeout,
		FrameRate:         cfg.FrameRate,
		FrameBurst:        cfg.FrameBurst,
		MaxConnections:    cfg.MaxConnections,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Logger:            logger,
	}, instrumented)
	if err != nil {
		logger.Error("failed to create proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	healthChecker.Register("simulator_link", func(ctx context.Context) error {
		if state := p.UpstreamState(); state != upstream.StateConnected {
			return fmt.Errorf("simulator link %s", state)
		}
		return nil
	})
	healthChecker.Register("monitor_capacity", func(ctx context.Context) error {
		count := p.MonitorCount()
		if cfg.MaxConnections > 0 && count >= cfg.MaxConnections {
			return fmt.Errorf("%w: %d/%d monitors", perrors.ErrTooManyConnections, count, cfg.MaxConnections)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Listen(ctx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan error)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}
