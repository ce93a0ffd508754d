// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package route holds the immutable hostname to backend routing table.
package route

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

var (
	// ErrEmptyHostname is returned for an entry without a hostname.
	ErrEmptyHostname = errors.New("empty hostname")

	// ErrDuplicateHostname is returned when two entries normalize to the same key.
	ErrDuplicateHostname = errors.New("duplicate hostname")

	// ErrInvalidAddress is returned for a backend address that is not host:port.
	ErrInvalidAddress = errors.New("invalid backend address")
)

// Table maps hostnames to backend addresses. It is never modified after New
// returns, so it is safe for concurrent use without locking.
type Table struct {
	routes   map[string]string
	fallback string
}

// Option configures a Table.
type Option func(*Table)

// WithDefault sets the backend used by Route when no hostname matches.
func WithDefault(addr string) Option {
	return func(t *Table) {
		t.fallback = addr
	}
}

// New builds a Table from hostname to backend address entries.
func New(entries map[string]string, opts ...Option) (*Table, error) {
	t := &Table{routes: make(map[string]string, len(entries))}
	for _, opt := range opts {
		opt(t)
	}
	if t.fallback != "" {
		if err := validateAddress(t.fallback); err != nil {
			return nil, fmt.Errorf("default route: %w", err)
		}
	}

	for host, addr := range entries {
		key := Normalize(host)
		if key == "" {
			return nil, fmt.Errorf("%w: %q", ErrEmptyHostname, host)
		}
		if _, ok := t.routes[key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHostname, key)
		}
		if err := validateAddress(addr); err != nil {
			return nil, fmt.Errorf("route %s: %w", key, err)
		}
		t.routes[key] = addr
	}

	return t, nil
}

// Lookup returns the backend configured for hostname. The match is exact
// after normalization; the default route is not consulted.
func (t *Table) Lookup(hostname string) (string, bool) {
	addr, ok := t.routes[Normalize(hostname)]
	return addr, ok
}

// Route returns the backend for hostname, falling back to the default route
// when one is configured.
func (t *Table) Route(hostname string) (string, bool) {
	if addr, ok := t.Lookup(hostname); ok {
		return addr, true
	}
	if t.fallback != "" {
		return t.fallback, true
	}
	return "", false
}

// Default returns the default backend, if any.
func (t *Table) Default() (string, bool) {
	return t.fallback, t.fallback != ""
}

// Len returns the number of hostname routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// Hostnames returns the configured hostnames in sorted order.
func (t *Table) Hostnames() []string {
	hosts := make([]string, 0, len(t.routes))
	for h := range t.routes {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Normalize lowercases hostname and strips a trailing dot.
func Normalize(hostname string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(hostname), "."))
}

func validateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return nil
}
