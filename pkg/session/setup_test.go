// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// clientHello builds a minimal TLS 1.2 client hello record for name.
func clientHello(name string) []byte {
	return clientHelloWithExtensions(func(b *cryptobyte.Builder) {
		b.AddUint16(0x0000)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(name))
				})
			})
		})
	})
}

func clientHelloWithExtensions(exts cryptobyte.BuilderContinuation) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(22)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(1)
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0303)
			b.AddBytes(make([]byte, 32))
			b.AddUint8(0)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(0xc02f)
			})
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0)
			})
			b.AddUint16LengthPrefixed(exts)
		})
	})
	return b.BytesOrPanic()
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err, fmt.Sprintf("unexpected error %s", err))
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", l.Addr().String())
	require.Nil(t, err, fmt.Sprintf("unexpected error %s", err))
	server, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client.(*net.TCPConn), server.(*net.TCPConn)
}

// backend is a loopback server that records everything it receives until
// the client half-closes, then writes reply and closes.
type backend struct {
	listener net.Listener
	reply    []byte
	received chan []byte
}

func newBackend(t *testing.T, reply []byte) *backend {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err, fmt.Sprintf("unexpected error %s", err))
	b := &backend{
		listener: l,
		reply:    reply,
		received: make(chan []byte, 1),
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		got, _ := io.ReadAll(conn)
		b.received <- got
		conn.Write(b.reply)
	}()
	return b
}

func (b *backend) addr() string {
	return b.listener.Addr().String()
}

// recordingDialer dials target whatever address it is asked for and records
// the requested addresses.
type recordingDialer struct {
	mu     sync.Mutex
	target string
	dialed []string
	dialer net.Dialer
}

func (d *recordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	d.mu.Unlock()
	return d.dialer.DialContext(ctx, network, d.target)
}

func (d *recordingDialer) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

// blockingDialer never connects before the context expires.
type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	<-ctx.Done()
	return nil, &net.OpError{Op: "dial", Net: network, Err: ctx.Err()}
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err, fmt.Sprintf("unexpected error %s", err))
	addr := l.Addr().String()
	l.Close()
	return addr
}

// deadlineConn passes every SetReadDeadline call through onSet first. The
// call is forwarded unless onSet fails.
type deadlineConn struct {
	*net.TCPConn
	mu    sync.Mutex
	calls int
	onSet func(call int, t time.Time) error
}

func (c *deadlineConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	if err := c.onSet(call, t); err != nil {
		return err
	}
	return c.TCPConn.SetReadDeadline(t)
}
