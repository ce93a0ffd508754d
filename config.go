// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sniplex

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/absmach/sniplex/pkg/route"
	"github.com/absmach/sniplex/pkg/sni"
	"github.com/caarlos0/env/v11"
)

const (
	defBind             = "0.0.0.0:443"
	defHandshakeTimeout = 10 * time.Second
	defDialTimeout      = 5 * time.Second
	defShutdownTimeout  = 30 * time.Second

	// defaultKey is the upstream entry used as fallback route.
	defaultKey = "default"
)

// ErrInvalidConfig indicates a configuration that cannot be served.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config of the router. It is read from a TOML file and then overridden
// by environment variables.
type Config struct {
	Bind             string            `toml:"bind"               env:"BIND"`
	Upstream         map[string]string `toml:"upstream"           env:"UPSTREAM" envKeyValSeparator:"="`
	Default          string            `toml:"default"            env:"DEFAULT"`
	HandshakeTimeout time.Duration     `toml:"handshake_timeout"  env:"HANDSHAKE_TIMEOUT"`
	DialTimeout      time.Duration     `toml:"dial_timeout"       env:"DIAL_TIMEOUT"`
	MaxHandshakeSize int               `toml:"max_handshake_size" env:"MAX_HANDSHAKE_SIZE"`
	ShutdownTimeout  time.Duration     `toml:"shutdown_timeout"   env:"SHUTDOWN_TIMEOUT"`
	MetricsAddress   string            `toml:"metrics_address"    env:"METRICS_ADDRESS"`
	LogLevel         string            `toml:"log_level"          env:"LOG_LEVEL"`
}

// DefaultConfig returns the configuration used for unset values.
func DefaultConfig() Config {
	return Config{
		Bind:             defBind,
		HandshakeTimeout: defHandshakeTimeout,
		DialTimeout:      defDialTimeout,
		MaxHandshakeSize: sni.MaxHandshakeSize,
		ShutdownTimeout:  defShutdownTimeout,
	}
}

// LoadConfig reads the configuration like ReadConfig and validates it.
func LoadConfig(path string, opts env.Options, logger *slog.Logger) (Config, error) {
	c, err := ReadConfig(path, opts, logger)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ReadConfig reads the TOML file at path, when path is not empty, and
// applies the environment overrides described by opts. Unknown file keys
// are logged and ignored.
func ReadConfig(path string, opts env.Options, logger *slog.Logger) (Config, error) {
	c := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, &c)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		for _, key := range md.Undecoded() {
			logger.Warn("unknown configuration key ignored", slog.String("file", path), slog.String("key", key.String()))
		}
	}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration, including the routing table it
// describes.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Bind); err != nil {
		return fmt.Errorf("%w: bind address %q: %w", ErrInvalidConfig, c.Bind, err)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake timeout must be positive", ErrInvalidConfig)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("%w: dial timeout must be positive", ErrInvalidConfig)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: shutdown timeout must not be negative", ErrInvalidConfig)
	}
	if c.MaxHandshakeSize <= sni.RecordHeaderLen || c.MaxHandshakeSize > sni.MaxHandshakeSize {
		return fmt.Errorf("%w: max handshake size must be in (%d, %d]", ErrInvalidConfig, sni.RecordHeaderLen, sni.MaxHandshakeSize)
	}
	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return fmt.Errorf("%w: metrics address %q: %w", ErrInvalidConfig, c.MetricsAddress, err)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	table, err := c.RoutingTable()
	if err != nil {
		return err
	}
	if _, ok := table.Default(); !ok && table.Len() == 0 {
		return fmt.Errorf("%w: no upstream configured", ErrInvalidConfig)
	}
	return nil
}

// RoutingTable builds the routing table from the upstream entries.
// The fallback is Default, or else the upstream entry named default
// (any case).
func (c Config) RoutingTable() (*route.Table, error) {
	entries := make(map[string]string, len(c.Upstream))
	fallback := c.Default
	for host, addr := range c.Upstream {
		if strings.EqualFold(strings.TrimSpace(host), defaultKey) {
			if fallback == "" {
				fallback = addr
			}
			continue
		}
		entries[host] = addr
	}

	var opts []route.Option
	if fallback != "" {
		opts = append(opts, route.WithDefault(fallback))
	}
	t, err := route.New(entries, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return t, nil
}

// Level returns the configured log level, warn when none is set.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
	}
	return l, nil
}
