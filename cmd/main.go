// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	gsproproxy "github.com/brentyates/gspro-proxy"
	"github.com/brentyates/gspro-proxy/examples/simple"
	"github.com/brentyates/gspro-proxy/pkg/proxy"
	"github.com/brentyates/gspro-proxy/pkg/rules"
)

const envPrefix = "GSPROXY_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg, err := gsproproxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Debug, cfg.LogFormat)
	slog.SetDefault(logger)

	selection, err := rules.Load(cfg.RulesFile)
	if err != nil {
		logger.Error("failed to load selection rules",
			slog.String("path", cfg.RulesFile),
			slog.String("error", err.Error()))
		os.Exit(1)
	}

	p, err := proxy.New(proxy.Config{
		ListenAddress:     cfg.ListenAddress,
		Transport:         cfg.ListenTransport,
		WSPath:            cfg.WSPath,
		TLSConfig:         cfg.TLSConfig,
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
	}, simple.New(logger))
	if err != nil {
		logger.Error("failed to create proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	g.Go(func() error {
		return p.Listen(ctx)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("gspro-proxy terminated with error: %s", err))
	} else {
		logger.Info("gspro-proxy stopped")
	}
}

// setupLogger creates a structured logger with the configured level and format.
func setupLogger(debug bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
