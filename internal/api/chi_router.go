// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package api serves the convoy HTTP API with the chi router: trips,
// members, invites, point sync, the live map, the presence websocket and
// the tile proxy.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/convoy/internal/auth"
	"github.com/tomtom215/convoy/internal/middleware"
)

// Router wires handlers, authentication and middleware into one http.Handler.
type Router struct {
	handler       *Handler
	auth          *auth.Middleware
	chiMiddleware *ChiMiddleware
	presence      http.Handler
	tiles         http.Handler
}

// RouterOption adds optional routes.
type RouterOption func(*Router)

// WithPresence mounts the presence websocket handler.
func WithPresence(h http.Handler) RouterOption {
	return func(r *Router) { r.presence = h }
}

// WithTiles mounts the tile proxy.
func WithTiles(h http.Handler) RouterOption {
	return func(r *Router) { r.tiles = h }
}

// NewRouter creates a Router. jwtManager may be nil when authentication is
// disabled.
func NewRouter(handler *Handler, jwtManager *auth.JWTManager, mw *ChiMiddleware, opts ...RouterOption) *Router {
	authEnabled := handler.config == nil || handler.config.Security.AuthEnabled
	if mw == nil {
		mw = NewChiMiddleware(nil)
	}
	r := &Router{
		handler:       handler,
		auth:          auth.NewMiddleware(jwtManager, authEnabled, unauthorized),
		chiMiddleware: mw,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Identify resolves the caller of a presence join. It is the websocket
// handler's identify hook.
func (router *Router) Identify(r *http.Request) (string, error) {
	return router.auth.Identify(r)
}

// SetupChi builds the route tree.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	if router.tiles != nil {
		r.With(middleware.PrometheusMetrics).Get("/tiles/{z}/{x}/{y}", router.tiles.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.auth.Authenticate)

		r.Route("/trips", func(r chi.Router) {
			r.Get("/", router.handler.ListTrips)
			r.Post("/", router.handler.CreateTrip)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", router.handler.GetTrip)
				r.Post("/start", router.handler.StartTrip)
				r.Post("/end", router.handler.EndTrip)
				r.Get("/members", router.handler.Members)
				r.Post("/leave", router.handler.Leave)
				r.Post("/leader", router.handler.TransferLeader)
				r.Get("/invites", router.handler.ListInvites)
				r.Post("/invites", router.handler.CreateInvite)
				r.Get("/points", router.handler.TrackPoints)
				r.Post("/points", router.handler.RecordPoints)
				r.Get("/map", router.handler.Map)
				if router.presence != nil {
					r.Get("/presence", router.presence.ServeHTTP)
				}
			})
		})

		r.Route("/invites/{code}", func(r chi.Router) {
			r.Use(router.chiMiddleware.RateLimitStrict())
			r.Post("/accept", router.handler.AcceptInvite)
			r.Post("/decline", router.handler.DeclineInvite)
		})

		if router.presence != nil {
			// Trip from ?trip=, for clients configured with a single URL.
			r.Get("/ws", router.presence.ServeHTTP)
		}
	})

	return r
}
