// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gsproproxy holds the environment-driven configuration shared by
// the proxy binaries.
package gsproproxy

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
)

// Config is the proxy configuration, parsed from the environment. Defaults
// mirror a stock GSPro setup: launch monitors connect on port 8888 and the
// simulator's Connect API listens on localhost:921.
type Config struct {
	ListenAddress   string        `env:"LISTEN_ADDRESS"   envDefault:"0.0.0.0:8888"`
	ListenTransport string        `env:"LISTEN_TRANSPORT" envDefault:"tcp"`
	WSPath          string        `env:"WS_PATH"          envDefault:"/"`
	GSProAddress    string        `env:"GSPRO_ADDRESS"    envDefault:"localhost:921"`
	GSProTransport  string        `env:"GSPRO_TRANSPORT"  envDefault:"tcp"`
	RulesFile       string        `env:"RULES_FILE"       envDefault:"player_monitor_config.json"`
	RejectFiltered  bool          `env:"REJECT_FILTERED"  envDefault:"false"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT"     envDefault:"0"`
	FrameRate       float64       `env:"FRAME_RATE"       envDefault:"0"`
	FrameBurst      int           `env:"FRAME_BURST"      envDefault:"10"`
	MaxConnections  int           `env:"MAX_CONNECTIONS"  envDefault:"0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	Debug           bool          `env:"DEBUG"            envDefault:"false"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"text"`
	CertFile        string        `env:"CERT_FILE"`
	KeyFile         string        `env:"KEY_FILE"`

	// TLSConfig is built from CertFile/KeyFile when both are set.
	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses a Config from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, perrors.Wrap(err, "parsing configuration")
	}
	if err := c.loadTLS(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) loadTLS() error {
	switch {
	case c.CertFile == "" && c.KeyFile == "":
		return nil
	case c.CertFile == "" || c.KeyFile == "":
		return fmt.Errorf("%w: certificate and key must be set together", perrors.ErrInvalidConfig)
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return perrors.Wrap(err, "loading TLS keypair")
	}
	c.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return nil
}
