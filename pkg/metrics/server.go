// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const readHeaderTimeout = 5 * time.Second

// Handler returns the HTTP handler exposing /metrics for g and a /health
// liveness probe.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", health)
	return mux
}

func health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
	})
}

// Listen serves Handler(g) on address until ctx is done.
func Listen(ctx context.Context, address string, g prometheus.Gatherer, logger *slog.Logger) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return Serve(ctx, l, g, logger)
}

// Serve serves Handler(g) on l until ctx is done. l is closed on return.
func Serve(ctx context.Context, l net.Listener, g prometheus.Gatherer, logger *slog.Logger) error {
	server := http.Server{
		Handler:           Handler(g),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	logger.Info("metrics server started", slog.String("address", l.Addr().String()))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		return server.Close()
	})

	if err := eg.Wait(); err != nil {
		logger.Info("metrics server exiting with errors", slog.String("error", err.Error()))
		return err
	}
	logger.Info("metrics server exiting...")
	return nil
}
