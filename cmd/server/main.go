// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package main is the convoy backend: the trip and invite API, point sync,
// the presence hub and the tile proxy, run under one supervisor tree.
//
// # Startup order
//
//  1. Configuration (koanf: defaults, config.yaml, environment)
//  2. NATS bus and change feed, or the in-process feed when NATS is off
//  3. DuckDB store, casbin enforcer and the membership service
//  4. Presence hub, NATS relay and membership eviction watcher
//  5. Tile proxy store when a tile URL template is configured
//  6. HTTP server
//
// # Signals
//
// SIGINT and SIGTERM cancel the tree. The HTTP server drains for
// server.shutdown_timeout, then the store, the feed and the bus close.
//
// # Example
//
//	export JWT_SECRET=$(openssl rand -base64 48)
//	export NATS_ENABLED=true NATS_EMBEDDED=true
//	./convoy-server
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("db_path", cfg.Database.Path).
		Bool("nats", cfg.NATS.Enabled).
		Bool("auth", cfg.Security.AuthEnabled).
		Msg("Starting convoy server")

	if !cfg.Security.AuthEnabled {
		logging.Warn().Msg("Authentication is DISABLED: callers are identified by the X-User-ID header. Use only for local development.")
	}

	a, err := newApp(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfigFrom("convoy-server", cfg.Supervisor))
	a.register(tree)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
	}

	if err := a.Close(); err != nil {
		logging.Error().Err(err).Msg("Error during shutdown")
	}
	logging.Info().Msg("Convoy server stopped")
}
