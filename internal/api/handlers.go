// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/convoy/internal/auth"
	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/database"
	"github.com/tomtom215/convoy/internal/membership"
	"github.com/tomtom215/convoy/internal/models"
)

// Membership is the trip, member, invite and point service.
type Membership interface {
	CreateTrip(ctx context.Context, ownerID string, req membership.TripRequest) (*models.Trip, error)
	GetTrip(ctx context.Context, tripID string) (*models.Trip, error)
	ListTrips(ctx context.Context, userID string) ([]models.Trip, error)
	StartTrip(ctx context.Context, tripID, userID string) (*models.Trip, error)
	EndTrip(ctx context.Context, tripID, userID string) (*models.Trip, error)
	ActiveMembers(ctx context.Context, tripID string) ([]models.ConvoyMember, error)
	Leave(ctx context.Context, tripID, userID string) error
	TransferLeadership(ctx context.Context, tripID, fromUser, toUser string) error
	Authorize(ctx context.Context, tripID, userID, obj, act string) (*models.ConvoyMember, error)
	CreateInvite(ctx context.Context, tripID, inviterID string) (*models.Invite, error)
	ListInvites(ctx context.Context, tripID, userID string) ([]models.Invite, error)
	AcceptInvite(ctx context.Context, code, userID string, now time.Time) (*models.ConvoyMember, error)
	DeclineInvite(ctx context.Context, code, userID string, now time.Time) (*models.Invite, error)
	RecordPoints(ctx context.Context, tripID, userID string, samples []models.LocationSample) (int, error)
	TrackPoints(ctx context.Context, requesterID string, q database.PointQuery) ([]models.TrackPoint, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PresenceSnapshotter exposes the hub's current channel state.
type PresenceSnapshotter interface {
	Snapshot(tripID string) map[string]models.ConvoyMemberPresence
	ClientCount() int
	ChannelCount() int
}

// Handler contains dependencies for API handlers.
//
// Handler methods are split across files:
//   - handlers.go: Handler struct, constructor, shared helpers
//   - handlers_health.go: liveness and readiness
//   - handlers_trips.go: trips and members
//   - handlers_invites.go: invite lifecycle
//   - handlers_points.go: point sync and track queries
//   - handlers_map.go: live map snapshot
type Handler struct {
	svc       Membership
	db        Pinger
	presence  PresenceSnapshotter
	config    *config.Config
	startTime time.Time
	now       func() time.Time
	natsReady func() bool
}

// NewHandler creates the API handler. presence and db may be nil in tests.
func NewHandler(svc Membership, db Pinger, presence PresenceSnapshotter, cfg *config.Config) *Handler {
	return &Handler{
		svc:       svc,
		db:        db,
		presence:  presence,
		config:    cfg,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// SetNATSHealth registers a NATS connectivity probe for readiness.
func (h *Handler) SetNATSHealth(fn func() bool) {
	h.natsReady = fn
}

// userID returns the authenticated caller. Routes using it sit behind
// Authenticate, so a missing subject is a wiring error.
func userID(r *http.Request) string {
	s, _ := auth.SubjectFromContext(r.Context())
	return s.UserID
}

func tripParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// getInt64Param parses an optional integer query parameter.
func getInt64Param(r *http.Request, key string) (int64, bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, true, err
}
