// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	sperrors "github.com/absmach/sniplex/pkg/errors"
)

const (
	Upstream Direction = iota
	Downstream
)

const copyBufferSize = 32 * 1024

// Direction of a relay copy loop.
type Direction int

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Stats describes a finished relay.
type Stats struct {
	Upstream   int64 // Bytes copied from client to backend, replayed handshake excluded
	Downstream int64 // Bytes copied from backend to client
	Duration   time.Duration
}

type closeWriter interface {
	CloseWrite() error
}

// Stream relays bytes between inbound and outbound until both directions
// reach end of stream, either direction fails, or ctx is cancelled.
// End of stream on one side half-closes the write side of the other.
// Both connections are closed when Stream returns.
func Stream(ctx context.Context, inbound, outbound net.Conn) (Stats, error) {
	start := time.Now()
	closeBoth := func() {
		inbound.Close()
		outbound.Close()
	}

	// A cancel only counts when it cut a copy loop short.
	var (
		mu          sync.Mutex
		copied      int
		interrupted bool
		fired       = make(chan struct{})
	)
	finished := func() {
		mu.Lock()
		copied++
		mu.Unlock()
	}
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		interrupted = copied < 2
		mu.Unlock()
		closeBoth()
		close(fired)
	})

	// In parallel read from client, send to backend
	// and read from backend, send to client.
	var stats Stats
	errs := make(chan error, 2)

	go stream(Upstream, outbound, inbound, &stats.Upstream, finished, errs)
	go stream(Downstream, inbound, outbound, &stats.Downstream, finished, errs)

	// Keep whichever error happens first and unblock the other
	// direction. The other routine won't be blocked when writing
	// to the errors channel because it is buffered.
	var err error
	for i := 0; i < 2; i++ {
		if e := <-errs; e != nil && err == nil {
			err = e
			closeBoth()
		}
	}
	if !stop() {
		<-fired
	}
	closeBoth()
	stats.Duration = time.Since(start)

	mu.Lock()
	cancelled := interrupted
	mu.Unlock()
	if cancelled {
		return stats, ctx.Err()
	}
	return stats, err
}

func stream(dir Direction, w, r net.Conn, n *int64, finished func(), errs chan<- error) {
	buf := make([]byte, copyBufferSize)
	written, err := io.CopyBuffer(w, r, buf)
	finished()
	*n = written
	if err != nil && !isClosingError(err) {
		errs <- wrap(err, dir)
		return
	}
	// Source reached end of stream: propagate it to the destination.
	if cw, ok := w.(closeWriter); ok {
		cw.CloseWrite()
	} else {
		w.Close()
	}
	errs <- nil
}

// isClosingError reports errors caused by closing a connection locally.
func isClosingError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func wrap(err error, dir Direction) error {
	switch dir {
	case Upstream:
		return fmt.Errorf("%w: failed relaying from client to backend: %w", sperrors.ErrRelayIO, err)
	case Downstream:
		return fmt.Errorf("%w: failed relaying from backend to client: %w", sperrors.ErrRelayIO, err)
	default:
		return sperrors.Wrap(sperrors.ErrRelayIO, err)
	}
}
