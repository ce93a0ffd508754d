// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/absmach/sniplex"
	"github.com/absmach/sniplex/examples/simple"
	"github.com/absmach/sniplex/pkg/metrics"
	"github.com/absmach/sniplex/pkg/session"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "SNIPLEX_"

type flags struct {
	config    string
	bind      string
	upstream  []string
	verbosity int
}

func main() {
	var f flags
	rootCmd := &cobra.Command{
		Use:          "sniplex",
		Short:        "A simple SNI multiplexer",
		Long:         "sniplex routes TLS connections to backends by the server name sent in the client hello, without terminating TLS.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, f)
		},
	}
	rootCmd.Flags().StringVarP(&f.config, "config", "c", "", "path to config.toml")
	rootCmd.Flags().StringVarP(&f.bind, "bind", "i", "", "address to bind to, overrides the configuration")
	rootCmd.Flags().StringArrayVarP(&f.upstream, "upstream", "u", nil, "extra route as hostname,address; default,address sets the fallback")
	rootCmd.Flags().CountVarP(&f.verbosity, "verbose", "v", "sets the level of verbosity, repeat for more")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cobra.Command, f flags) error {
	level := new(slog.LevelVar)
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	cfg, err := loadConfig(f, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load configuration: %s", err))
		return err
	}
	if cmd.Flags().Changed("verbose") {
		level.Set(verbosity(f.verbosity))
	} else {
		l, _ := cfg.Level()
		level.Set(l)
	}

	table, err := cfg.RoutingTable()
	if err != nil {
		logger.Error(fmt.Sprintf("failed to build routing table: %s", err))
		return err
	}
	fallback, _ := table.Default()
	logger.Info("routing table loaded",
		slog.Int("routes", table.Len()),
		slog.String("hostnames", strings.Join(table.Hostnames(), ",")),
		slog.String("default", fallback),
	)

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	handler := session.Chain(simple.New(logger), metrics.New("", reg))

	g.Go(func() error {
		return sniplex.Start(ctx, cfg, table, handler, logger)
	})

	if cfg.MetricsAddress != "" {
		g.Go(func() error {
			return metrics.Listen(ctx, cfg.MetricsAddress, reg, logger)
		})
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("sniplex service terminated with error: %s", err))
		return err
	}
	logger.Info("sniplex service stopped")
	return nil
}

// loadConfig reads the configuration file and environment, then applies
// the command line overrides.
func loadConfig(f flags, logger *slog.Logger) (sniplex.Config, error) {
	cfg, err := sniplex.ReadConfig(f.config, env.Options{Prefix: envPrefix}, logger)
	if err != nil {
		return sniplex.Config{}, err
	}
	return applyFlags(cfg, f)
}

func applyFlags(cfg sniplex.Config, f flags) (sniplex.Config, error) {
	if f.bind != "" {
		cfg.Bind = f.bind
	}
	if len(f.upstream) > 0 {
		upstream := make(map[string]string, len(cfg.Upstream)+len(f.upstream))
		for host, addr := range cfg.Upstream {
			upstream[host] = addr
		}
		for _, u := range f.upstream {
			host, addr, ok := strings.Cut(u, ",")
			if !ok {
				return sniplex.Config{}, fmt.Errorf("%w: upstream %q is not hostname,address", sniplex.ErrInvalidConfig, u)
			}
			upstream[strings.TrimSpace(host)] = strings.TrimSpace(addr)
		}
		cfg.Upstream = upstream
	}
	return cfg, cfg.Validate()
}

func verbosity(n int) slog.Level {
	switch {
	case n <= 0:
		return slog.LevelWarn
	case n == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
