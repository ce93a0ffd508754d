// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package streamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	sperrors "github.com/absmach/sniplex/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	defShutdownTimeout = 30 * time.Second
	minAcceptDelay     = 5 * time.Millisecond
	maxAcceptDelay     = time.Second
)

// ErrShutdownTimeout is returned when connections did not drain within the
// shutdown timeout and had to be cancelled.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the listener configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// ShutdownTimeout is the maximum time to wait for active connections
	// to finish after the listener stopped. Remaining connections are then
	// cancelled.
	ShutdownTimeout time.Duration
}

// ServeFunc handles one accepted connection and owns it.
// ctx is cancelled when the connection has to be dropped.
type ServeFunc func(ctx context.Context, conn net.Conn)

// Listen of the server, this will block until ctx is done and the accepted
// connections drained.
func Listen(ctx context.Context, name string, config Config, serve ServeFunc, logger *slog.Logger) error {
	l, err := net.Listen("tcp", config.Address)
	if err != nil {
		return sperrors.Wrap(sperrors.ErrListenerFatal, err)
	}
	return Serve(ctx, name, l, config, serve, logger)
}

// Serve accepts connections from l and hands each of them to serve in its
// own goroutine. l is closed on return.
func Serve(ctx context.Context, name string, l net.Listener, config Config, serve ServeFunc, logger *slog.Logger) error {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	address := l.Addr().String()
	logger.Info(fmt.Sprintf("%s server started at %s", name, address))

	// Connections outlive ctx until drained.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	var wg sync.WaitGroup
	g, ctx := errgroup.WithContext(ctx)

	// Acceptor loop
	g.Go(func() error {
		return accept(ctx, connCtx, l, &wg, serve, logger)
	})

	g.Go(func() error {
		<-ctx.Done()
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	err := g.Wait()

	if dErr := drain(&wg, config.ShutdownTimeout, connCancel, logger); err == nil {
		err = dErr
	}
	if err != nil {
		logger.Info(fmt.Sprintf("%s server at %s exiting with errors", name, address), slog.String("error", err.Error()))
	} else {
		logger.Info(fmt.Sprintf("%s server at %s exiting...", name, address))
	}
	return err
}

func accept(ctx, connCtx context.Context, l net.Listener, wg *sync.WaitGroup, serve ServeFunc, logger *slog.Logger) error {
	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !temporary(err) {
				return sperrors.Wrap(sperrors.ErrListenerFatal, err)
			}
			delay = backoff(delay)
			logger.Warn("accept error", slog.String("error", err.Error()), slog.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(connCtx, conn)
		}()
	}
}

// drain waits for the accepted connections to finish, cancelling them once
// timeout expires.
func drain(wg *sync.WaitGroup, timeout time.Duration, cancel context.CancelFunc, logger *slog.Logger) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		logger.Warn("shutdown timeout exceeded, closing remaining connections", slog.Duration("timeout", timeout))
		cancel()
		<-done
		return ErrShutdownTimeout
	}
}

// temporary reports accept errors the listener recovers from, such as
// running out of file descriptors or a client aborting before accept.
func temporary(err error) bool {
	switch {
	case errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENOBUFS),
		errors.Is(err, syscall.ENOMEM):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func backoff(delay time.Duration) time.Duration {
	if delay == 0 {
		return minAcceptDelay
	}
	return min(2*delay, maxAcceptDelay)
}
