// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	sperrors "github.com/absmach/sniplex/pkg/errors"
	"github.com/absmach/sniplex/pkg/metrics"
	"github.com/absmach/sniplex/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func sampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	var m dto.Metric
	require.Nil(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestRoutedSession(t *testing.T) {
	m := metrics.New("", nil)
	ctx := context.Background()
	c := &session.Client{ID: "1", Hostname: "example.com"}

	m.Connect(ctx, c)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TotalConnections))

	c.Backend = "10.0.0.1:443"
	m.Route(ctx, c)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RoutedConnections.WithLabelValues("10.0.0.1:443")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveRelays))

	m.Disconnect(ctx, c, session.Stats{Upstream: 100, Downstream: 2048, Duration: time.Second})
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveRelays))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.RelayedBytes.WithLabelValues("upstream")))
	assert.Equal(t, float64(2048), testutil.ToFloat64(m.RelayedBytes.WithLabelValues("downstream")))
	assert.Equal(t, uint64(1), sampleCount(t, m.ConnectionDuration))
}

func TestFailedSession(t *testing.T) {
	cases := []struct {
		desc  string
		err   error
		state string
		kind  string
	}{
		{
			desc:  "no route",
			err:   &sperrors.SessionError{Op: "routed", Err: sperrors.ErrNoRoute},
			state: "routed",
			kind:  "no_route",
		},
		{
			desc:  "handshake timeout",
			err:   &sperrors.SessionError{Op: "accumulating", Err: sperrors.Wrap(sperrors.ErrHandshakeTimeout, context.DeadlineExceeded)},
			state: "accumulating",
			kind:  "handshake_timeout",
		},
		{
			desc:  "missing server name",
			err:   &sperrors.SessionError{Op: "accumulating", Err: sperrors.ErrNoServerName},
			state: "accumulating",
			kind:  "no_server_name",
		},
		{
			desc:  "error without context",
			err:   sperrors.ErrDialFailure,
			state: "unknown",
			kind:  "dial_failure",
		},
	}

	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			m := metrics.New("", nil)
			ctx := context.Background()
			client := &session.Client{ID: "1"}

			m.Connect(ctx, client)
			m.Fail(ctx, client, c.err)
			m.Disconnect(ctx, client, session.Stats{})

			got := testutil.ToFloat64(m.ConnectionErrors.WithLabelValues(c.state, c.kind))
			assert.Equal(t, float64(1), got, fmt.Sprintf("%s: expected 1 got %f\n", c.desc, got))
			assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveConnections))
			assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveRelays))
			assert.Equal(t, uint64(0), sampleCount(t, m.ConnectionDuration))
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	m.Connect(context.Background(), &session.Client{})

	expected := `
# HELP test_connections_total Total number of accepted client connections
# TYPE test_connections_total counter
test_connections_total 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_connections_total")
	assert.Nil(t, err, fmt.Sprintf("unexpected error %s", err))
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("", reg)
	m.Connect(context.Background(), &session.Client{})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err, fmt.Sprintf("unexpected error %s", err))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- metrics.Serve(ctx, l, reg, logger)
	}()

	cases := []struct {
		desc     string
		path     string
		status   int
		contains string
	}{
		{
			desc:     "metrics",
			path:     "/metrics",
			status:   http.StatusOK,
			contains: "sniplex_connections_total 1",
		},
		{
			desc:     "health",
			path:     "/health",
			status:   http.StatusOK,
			contains: `"status":"alive"`,
		},
		{
			desc:   "unknown path",
			path:   "/unknown",
			status: http.StatusNotFound,
		},
	}

	for _, c := range cases {
		res, err := http.Get("http://" + l.Addr().String() + c.path)
		require.Nil(t, err, fmt.Sprintf("%s: unexpected error %s", c.desc, err))
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		require.Nil(t, err, fmt.Sprintf("%s: unexpected error %s", c.desc, err))

		assert.Equal(t, c.status, res.StatusCode, fmt.Sprintf("%s: expected %d got %d\n", c.desc, c.status, res.StatusCode))
		assert.Contains(t, string(body), c.contains, c.desc)
	}

	cancel()
	select {
	case err := <-done:
		assert.Nil(t, err, fmt.Sprintf("unexpected error %s", err))
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
