// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy shared by the sniplex core.
//
// Every per-connection failure wraps exactly one of the sentinels below so
// callers can classify it with errors.Is. Only ErrListenerFatal is meant to
// stop the process; the rest end a single connection.
package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMalformedHandshake indicates the client sent bytes that are not a
	// well formed client hello, or exceeded the handshake buffer ceiling.
	ErrMalformedHandshake = errors.New("malformed handshake")

	// ErrNoServerName indicates a well formed client hello without a server
	// name. It is routed like a missing route, not a protocol violation.
	ErrNoServerName = fmt.Errorf("%w: no server name", ErrMalformedHandshake)

	// ErrHandshakeTimeout indicates the client did not complete its client
	// hello within the idle timeout.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrNoRoute indicates the requested hostname has no backend.
	ErrNoRoute = errors.New("no route")

	// ErrDialFailure indicates the backend could not be reached in time.
	ErrDialFailure = errors.New("backend dial failure")

	// ErrRelayIO indicates either stream failed while relaying.
	ErrRelayIO = errors.New("relay i/o error")

	// ErrListenerFatal indicates the listener cannot accept any work.
	ErrListenerFatal = errors.New("listener fatal error")
)

// SessionError wraps an error with connection context.
type SessionError struct {
	Op         string // State in which the session failed
	SessionID  string
	RemoteAddr string
	Hostname   string
	Err        error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Hostname != "" {
		return fmt.Sprintf("%s [%s] %s (%s): %v", e.Op, e.SessionID, e.RemoteAddr, e.Hostname, e.Err)
	}
	return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Wrap attaches the sentinel kind to a lower level cause so that both
// errors.Is(err, kind) and errors.Is(err, cause) hold.
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Kind returns a short label for err suitable for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrNoServerName):
		return "no_server_name"
	case errors.Is(err, ErrMalformedHandshake):
		return "malformed_handshake"
	case errors.Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, ErrNoRoute):
		return "no_route"
	case errors.Is(err, ErrDialFailure):
		return "dial_failure"
	case errors.Is(err, ErrRelayIO):
		return "relay_io"
	case errors.Is(err, ErrListenerFatal):
		return "listener_fatal"
	default:
		return "unknown"
	}
}
