// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
)

// ErrUnauthenticated is returned by an IdentifyFunc when no identity is present.
var ErrUnauthenticated = errors.New("unauthenticated")

// IdentifyFunc resolves the member making a join request.
type IdentifyFunc func(r *http.Request) (memberID string, err error)

// Handler upgrades join requests on /trips/{id}/presence into channel clients.
type Handler struct {
	hub      *Hub
	identify IdentifyFunc
	upgrader websocket.Upgrader
}

// NewHandler creates the join handler.
func NewHandler(hub *Hub, identify IdentifyFunc) *Handler {
	h := &Handler{hub: hub, identify: identify}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// ServeHTTP authenticates and authorizes before upgrading, so rejected
// joins get a plain HTTP status.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "id")
	if tripID == "" {
		tripID = r.URL.Query().Get("trip")
	}
	if tripID == "" {
		http.Error(w, "trip id is required", http.StatusBadRequest)
		return
	}

	memberID, err := h.identify(r)
	if err != nil || memberID == "" {
		metrics.PresenceJoinsRejected.WithLabelValues("unauthenticated").Inc()
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if h.hub.auth != nil {
		ok, err := h.hub.auth.CanJoin(r.Context(), tripID, memberID)
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Str("trip_id", tripID).Msg("Presence join authorization failed")
			metrics.PresenceJoinsRejected.WithLabelValues("error").Inc()
			http.Error(w, "authorization failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			metrics.PresenceJoinsRejected.WithLabelValues("not_member").Inc()
			http.Error(w, "not an active member of this convoy", http.StatusForbidden)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn().Err(err).Msg("Presence upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, tripID, memberID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.hub.Register(ctx, client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "hub unavailable"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	client.Start()
}

// checkOrigin admits native clients (no Origin header, authenticated by
// token) and browsers from the configured origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.hub.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("Presence connection rejected from unauthorized origin")
	return false
}
