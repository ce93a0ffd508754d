// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "context"

// Handler is an interface for sniplex session hooks.
// Hooks are observers only: they cannot alter routing or the relayed bytes.

//go:generate mockery --name Handler --output=./mocks --filename handler.go --quiet --note "Copyright (c) Abstract Machines"
type Handler interface {
	// Connect is called when a client connection is accepted,
	// before any byte is read.
	Connect(ctx context.Context, client *Client)

	// Route is called after the backend connection is established
	// and the buffered handshake was replayed to it.
	Route(ctx context.Context, client *Client)

	// Fail is called when the session terminates with an error.
	Fail(ctx context.Context, client *Client, err error)

	// Disconnect is called once both streams are closed.
	Disconnect(ctx context.Context, client *Client, stats Stats)
}

// Chain returns a Handler calling each of hs in order.
func Chain(hs ...Handler) Handler {
	return handlers(hs)
}

type handlers []Handler

func (hs handlers) Connect(ctx context.Context, c *Client) {
	for _, h := range hs {
		h.Connect(ctx, c)
	}
}

func (hs handlers) Route(ctx context.Context, c *Client) {
	for _, h := range hs {
		h.Route(ctx, c)
	}
}

func (hs handlers) Fail(ctx context.Context, c *Client, err error) {
	for _, h := range hs {
		h.Fail(ctx, c, err)
	}
}

func (hs handlers) Disconnect(ctx context.Context, c *Client, stats Stats) {
	for _, h := range hs {
		h.Disconnect(ctx, c, stats)
	}
}
