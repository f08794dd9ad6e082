// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/convoy/internal/api"
	"github.com/tomtom215/convoy/internal/auth"
	"github.com/tomtom215/convoy/internal/authz"
	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/database"
	"github.com/tomtom215/convoy/internal/events"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/membership"
	"github.com/tomtom215/convoy/internal/messaging"
	"github.com/tomtom215/convoy/internal/storage"
	"github.com/tomtom215/convoy/internal/supervisor"
	"github.com/tomtom215/convoy/internal/supervisor/services"
	"github.com/tomtom215/convoy/internal/tiles"
	ws "github.com/tomtom215/convoy/internal/websocket"
)

// app holds the server's components between construction and shutdown.
type app struct {
	cfg *config.Config

	bus   *messaging.Bus
	feed  *events.Feed
	db    *database.DB
	tiles *tiles.Store

	hub     *ws.Hub
	relay   *ws.NATSRelay
	watcher *membership.EvictionWatcher
	server  *http.Server
}

// newApp opens the stores and builds the HTTP handler. On error everything
// opened so far is closed.
func newApp(cfg *config.Config) (a *app, err error) {
	if cfg.Server.InstanceID == "" {
		cfg.Server.InstanceID = uuid.NewString()
	}
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			if cerr := a.Close(); cerr != nil {
				logging.Error().Err(cerr).Msg("Cleanup after failed startup")
			}
			a = nil
		}
	}()

	if cfg.NATS.Enabled {
		if a.bus, err = messaging.Open(cfg.NATS, "convoy-server-"+cfg.Server.InstanceID); err != nil {
			return a, err
		}
		if a.feed, err = events.NewNATSFeed(a.bus.Conn.ConnectedUrl(), cfg.NATS); err != nil {
			return a, err
		}
	} else {
		a.feed = events.NewInProcessFeed()
	}

	if a.db, err = database.New(&cfg.Database, a.feed); err != nil {
		return a, fmt.Errorf("open database: %w", err)
	}
	logging.Info().Str("path", cfg.Database.Path).Msg("Database initialized")

	enforcer, err := authz.NewEnforcer(authz.DefaultEnforcerConfig())
	if err != nil {
		return a, err
	}
	svc := membership.NewService(a.db, enforcer, membership.WithInviteTTL(cfg.Security.InviteTTL))

	a.hub = ws.NewHub(ws.HubConfigFrom(cfg), svc)
	if a.bus != nil {
		a.relay = ws.NewNATSRelay(a.hub, a.bus.Conn, cfg.NATS.SubjectPrefix)
	}
	a.watcher = membership.NewEvictionWatcher(a.feed, a.hub)

	var jwtManager *auth.JWTManager
	if cfg.Security.AuthEnabled {
		if jwtManager, err = auth.NewJWTManager(&cfg.Security); err != nil {
			return a, err
		}
	}

	handler := api.NewHandler(svc, a.db, a.hub, cfg)
	if a.bus != nil {
		handler.SetNATSHealth(a.bus.Conn.IsConnected)
	}

	// The presence handler identifies joins through the router's auth.
	var router *api.Router
	opts := []api.RouterOption{
		api.WithPresence(ws.NewHandler(a.hub, func(r *http.Request) (string, error) {
			return router.Identify(r)
		})),
	}
	if cfg.Tiles.URLTemplate != "" {
		tileHandler, terr := a.openTiles()
		if terr != nil {
			return a, terr
		}
		opts = append(opts, api.WithTiles(tileHandler))
	}
	router = api.NewRouter(handler, jwtManager, api.NewChiMiddleware(api.ChiMiddlewareConfigFrom(cfg.Security)), opts...)

	a.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.SetupChi(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       2 * time.Minute,
	}
	return a, nil
}

// openTiles opens the server-side tile cache. Requests arrive through the
// proxy handler, so the interception backend is available.
func (a *app) openTiles() (http.Handler, error) {
	tc := a.cfg.Tiles
	store, err := tiles.OpenStore(storage.Options{Path: tc.StorePath, Compression: true}, tc.MaxAge)
	if err != nil {
		return nil, fmt.Errorf("open tile store: %w", err)
	}
	a.tiles = store

	cache, err := tiles.NewCache(tc.Backend, tiles.Capabilities{Intercept: true}, store, tiles.NewFetcher(tiles.FetcherConfigFrom(tc), nil))
	if err != nil {
		return nil, err
	}
	logging.Info().Str("backend", cache.Name()).Str("path", tc.StorePath).Msg("Tile cache enabled")
	return tiles.NewHandler(tiles.NewManager(cache, tiles.ManagerConfigFrom(tc))), nil
}

// register adds the long-lived services to their layers.
func (a *app) register(tree *supervisor.Tree) {
	if a.tiles != nil {
		tree.AddStorageService(a.tiles.SweepService(a.cfg.Tiles.SweepInterval))
		tree.AddStorageService(storage.GCMaintainer(a.tiles.DB(), a.cfg.Tiles.SweepInterval))
	}
	tree.AddMessagingService(a.hub)
	tree.AddMessagingService(a.watcher)
	if a.relay != nil {
		tree.AddMessagingService(a.relay)
	}

	tree.AddAPIService(services.NewHTTPServerService(a.server, a.cfg.Server.ShutdownTimeout))
}

// Close releases stores and connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	if a.tiles != nil {
		errs = append(errs, a.tiles.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.feed != nil {
		errs = append(errs, a.feed.Close())
	}
	if a.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errs = append(errs, a.bus.Close(ctx))
	}
	return errors.Join(errs...)
}
