// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	sperrors "github.com/absmach/sniplex/pkg/errors"
	"github.com/absmach/sniplex/pkg/sni"
	"github.com/google/uuid"
)

const (
	Accumulating State = iota
	Routed
	Relaying
	Closed
	Failed
)

const (
	defHandshakeTimeout = 10 * time.Second
	defDialTimeout      = 5 * time.Second
	initialBufferSize   = 1024
)

// State of a Session.
type State int

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Routed:
		return "routed"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Router resolves a server name to a backend address.
type Router interface {
	Route(hostname string) (addr string, ok bool)
}

// Dialer opens backend connections. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the per-connection limits.
type Config struct {
	// HandshakeTimeout bounds the time between two reads while the
	// client hello is incomplete.
	HandshakeTimeout time.Duration

	// DialTimeout bounds the backend dial.
	DialTimeout time.Duration

	// MaxHandshakeSize caps the bytes buffered before the client hello
	// is complete.
	MaxHandshakeSize int
}

// Session represents one client connection routed by its server name.
// Serve drives it through Accumulating, Routed and Relaying to Closed,
// or to Failed from any of the non terminal states.
type Session struct {
	logger   *slog.Logger
	inbound  net.Conn
	outbound net.Conn
	router   Router
	dialer   Dialer
	handler  Handler
	config   Config
	state    State
	buf      []byte
	Client   Client
}

// New creates a new Session owning inbound.
func New(inbound net.Conn, router Router, dialer Dialer, handler Handler, cfg Config, logger *slog.Logger) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defHandshakeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defDialTimeout
	}
	if cfg.MaxHandshakeSize <= sni.RecordHeaderLen {
		cfg.MaxHandshakeSize = sni.MaxHandshakeSize
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if handler == nil {
		handler = Chain()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := Client{
		ID:         uuid.New().String(),
		RemoteAddr: inbound.RemoteAddr().String(),
	}

	return &Session{
		logger:  logger.With(slog.String("session", c.ID), slog.String("remote", c.RemoteAddr)),
		inbound: inbound,
		router:  router,
		dialer:  dialer,
		handler: handler,
		config:  cfg,
		state:   Accumulating,
		Client:  c,
	}
}

// State returns the current state. It is not safe to call while Serve runs
// in another goroutine.
func (s *Session) State() State {
	return s.state
}

// Serve runs the session until it is Closed or Failed. Both connections are
// closed on return. The returned error wraps one of the pkg/errors sentinels.
func (s *Session) Serve(ctx context.Context) error {
	defer s.close()

	s.handler.Connect(ctx, &s.Client)

	stats, err := s.serve(ctx)
	if err != nil {
		err = &sperrors.SessionError{
			Op:         s.state.String(),
			SessionID:  s.Client.ID,
			RemoteAddr: s.Client.RemoteAddr,
			Hostname:   s.Client.Hostname,
			Err:        err,
		}
		s.setState(Failed)
		s.logger.Debug("session failed", slog.String("error", err.Error()))
		s.handler.Fail(ctx, &s.Client, err)
	} else {
		s.setState(Closed)
	}

	s.close()
	s.handler.Disconnect(ctx, &s.Client, stats)
	return err
}

func (s *Session) serve(ctx context.Context) (Stats, error) {
	hostname, err := s.accumulate(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.Client.Hostname = hostname
	s.setState(Routed)

	if err := s.connect(ctx); err != nil {
		return Stats{}, err
	}

	// Replay the handshake before any further client byte is forwarded.
	if _, err := s.outbound.Write(s.buf); err != nil {
		return Stats{}, wrap(err, Upstream)
	}
	s.buf = nil
	s.setState(Relaying)
	s.handler.Route(ctx, &s.Client)

	return Stream(ctx, s.inbound, s.outbound)
}

// accumulate reads from the client until the buffered bytes hold a complete
// client hello, and returns the requested server name.
func (s *Session) accumulate(ctx context.Context) (string, error) {
	// Cancellation unblocks a pending read by expiring its deadline.
	stop := context.AfterFunc(ctx, func() {
		s.inbound.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	s.buf = make([]byte, 0, min(initialBufferSize, s.config.MaxHandshakeSize))
	for {
		if err := s.inbound.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
			return "", sperrors.Wrap(sperrors.ErrMalformedHandshake, err)
		}
		// Checked once the deadline is armed, since arming it overwrites
		// the one set on cancellation.
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if len(s.buf) == cap(s.buf) {
			grown := make([]byte, len(s.buf), min(2*cap(s.buf), s.config.MaxHandshakeSize))
			copy(grown, s.buf)
			s.buf = grown
		}

		n, err := s.inbound.Read(s.buf[len(s.buf):cap(s.buf)])
		s.buf = s.buf[:len(s.buf)+n]
		if n > 0 {
			o := sni.ParseWithLimit(s.buf, s.config.MaxHandshakeSize)
			switch o.Kind {
			case sni.Hostname:
				s.logger.Debug("client hello parsed", slog.String("hostname", o.Hostname), slog.Int("bytes", len(s.buf)))
				if err := s.inbound.SetReadDeadline(time.Time{}); err != nil {
					return "", sperrors.Wrap(sperrors.ErrMalformedHandshake, err)
				}
				return o.Hostname, nil
			case sni.Malformed:
				return "", o.Err()
			}
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return "", ctx.Err()
			case errors.Is(err, os.ErrDeadlineExceeded):
				return "", sperrors.Wrap(sperrors.ErrHandshakeTimeout, err)
			case errors.Is(err, io.EOF):
				return "", sperrors.Wrap(sperrors.ErrMalformedHandshake, io.ErrUnexpectedEOF)
			default:
				return "", sperrors.Wrap(sperrors.ErrMalformedHandshake, err)
			}
		}
	}
}

// connect resolves the route and dials the backend.
func (s *Session) connect(ctx context.Context) error {
	addr, ok := s.router.Route(s.Client.Hostname)
	if !ok {
		return sperrors.ErrNoRoute
	}
	s.Client.Backend = addr

	dctx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()

	out, err := s.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return sperrors.Wrap(sperrors.ErrDialFailure, err)
	}
	s.outbound = out
	s.logger.Debug("backend connected", slog.String("hostname", s.Client.Hostname), slog.String("backend", addr))

	return nil
}

func (s *Session) setState(st State) {
	s.state = st
}

func (s *Session) close() {
	s.buf = nil
	if err := s.inbound.Close(); err != nil && !isClosingError(err) {
		s.logger.Debug("failed to close client connection", slog.String("error", err.Error()))
	}
	if s.outbound == nil {
		return
	}
	if err := s.outbound.Close(); err != nil && !isClosingError(err) {
		s.logger.Debug("failed to close backend connection", slog.String("error", err.Error()))
	}
}
