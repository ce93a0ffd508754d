// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sniplex routes TLS connections to backends by the server name the
// client sends in the clear, without terminating TLS.
package sniplex

import (
	"context"
	"log/slog"
	"net"

	"github.com/absmach/sniplex/pkg/session"
	"github.com/absmach/sniplex/streamer"
)

const listenerName = "SNI"

// SessionConfig returns the per-connection limits of c.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		HandshakeTimeout: c.HandshakeTimeout,
		DialTimeout:      c.DialTimeout,
		MaxHandshakeSize: c.MaxHandshakeSize,
	}
}

// ServeFunc returns the per-connection function running a session for every
// accepted connection. Session outcomes are reported to handler.
func ServeFunc(router session.Router, dialer session.Dialer, handler session.Handler, cfg session.Config, logger *slog.Logger) streamer.ServeFunc {
	return func(ctx context.Context, conn net.Conn) {
		session.New(conn, router, dialer, handler, cfg, logger).Serve(ctx)
	}
}

// Start listens on the configured bind address and routes every accepted
// connection through router until ctx is done.
func Start(ctx context.Context, cfg Config, router session.Router, handler session.Handler, logger *slog.Logger) error {
	logger.Info("starting sni router",
		slog.String("bind", cfg.Bind),
		slog.Duration("handshake_timeout", cfg.HandshakeTimeout),
		slog.Duration("dial_timeout", cfg.DialTimeout),
	)
	serve := ServeFunc(router, &net.Dialer{}, handler, cfg.SessionConfig(), logger)
	lc := streamer.Config{
		Address:         cfg.Bind,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	return streamer.Listen(ctx, listenerName, lc, serve, logger)
}
