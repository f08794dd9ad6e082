// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package messaging provides the NATS connection shared by the presence
// relay and the row-change feed, optionally backed by an in-process server
// for single-node deployments.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
)

// EmbeddedServer is an in-process NATS server. Core NATS only: presence is
// ephemeral and the change feed has no replay requirement.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer starts a server on cfg.Host:cfg.Port. Port -1 picks a
// random free port.
func NewEmbeddedServer(cfg config.NATSConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "convoy",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 1 << 20,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	go ns.Start()

	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within %v", timeout)
	}

	logging.Info().Str("url", ns.ClientURL()).Msg("Embedded NATS server started")
	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the URL clients connect to.
func (s *EmbeddedServer) ClientURL() string { return s.clientURL }

// Running reports server health.
func (s *EmbeddedServer) Running() bool { return s.server.Running() }

// Shutdown stops the server, waiting for it to finish unless ctx ends first.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
		logging.Info().Msg("Embedded NATS server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect dials url with reconnect handling from cfg.
func Connect(url, name string, cfg config.NATSConfig) (*nats.Conn, error) {
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = time.Second
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Str("conn", name).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Info().Str("conn", name).Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logging.Debug().Str("conn", name).Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Bus bundles the connection with the embedded server when one was started.
type Bus struct {
	Conn     *nats.Conn
	embedded *EmbeddedServer
}

// Open starts the embedded server if configured and connects to it or to cfg.URL.
func Open(cfg config.NATSConfig, name string) (*Bus, error) {
	url := cfg.URL
	var es *EmbeddedServer
	if cfg.EmbeddedServer {
		var err error
		es, err = NewEmbeddedServer(cfg)
		if err != nil {
			return nil, err
		}
		url = es.ClientURL()
	}

	nc, err := Connect(url, name, cfg)
	if err != nil {
		if es != nil {
			_ = es.Shutdown(context.Background())
		}
		return nil, err
	}
	return &Bus{Conn: nc, embedded: es}, nil
}

// Close drains the connection and stops the embedded server.
func (b *Bus) Close(ctx context.Context) error {
	if err := b.Conn.Drain(); err != nil {
		b.Conn.Close()
	}
	if b.embedded != nil {
		return b.embedded.Shutdown(ctx)
	}
	return nil
}
