// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package membership owns the trip, convoy membership and invite lifecycle.
// Roles come from the membership rows; which role may perform which action is
// decided by the casbin policy in internal/authz.
package membership

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/convoy/internal/authz"
	"github.com/tomtom215/convoy/internal/database"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/validation"
)

var (
	ErrTripNotFound     = errors.New("trip not found")
	ErrTripState        = errors.New("trip does not allow this in its current state")
	ErrInviteNotFound   = errors.New("invite not found")
	ErrInviteExpired    = errors.New("invite has expired")
	ErrInviteNotPending = errors.New("invite has already been answered")
	ErrNotLeader        = errors.New("only the convoy leader can do that")
	ErrNotMember        = errors.New("not an active member of this convoy")
	ErrAlreadyMember    = errors.New("already an active member of this convoy")
)

// DefaultInviteTTL is how long an invite can be answered.
const DefaultInviteTTL = 24 * time.Hour

const maxCodeAttempts = 5

// Store persists trips, memberships, invites and track points.
type Store interface {
	CreateTrip(ctx context.Context, trip *models.Trip, leader *models.ConvoyMember) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	ListTripsForUser(ctx context.Context, userID string) ([]models.Trip, error)
	SetTripStatus(ctx context.Context, id string, status models.TripStatus, now time.Time) (*models.Trip, error)

	ActiveMember(ctx context.Context, tripID, userID string) (*models.ConvoyMember, error)
	ActiveMembers(ctx context.Context, tripID string) ([]models.ConvoyMember, error)
	SetMemberStatus(ctx context.Context, tripID, userID string, status models.MemberState, now time.Time) (*models.ConvoyMember, error)
	TransferLeader(ctx context.Context, tripID, fromUser, toUser string, now time.Time) error

	CreateInvite(ctx context.Context, inv *models.Invite) error
	GetInviteByCode(ctx context.Context, code string) (*models.Invite, error)
	ListInvites(ctx context.Context, tripID string) ([]models.Invite, error)
	AcceptInvite(ctx context.Context, inviteID string, member *models.ConvoyMember, now time.Time) (*models.Invite, error)
	DeclineInvite(ctx context.Context, inviteID, userID string, now time.Time) (*models.Invite, error)

	InsertPoints(ctx context.Context, points []models.TrackPoint) (int, error)
	QueryPoints(ctx context.Context, q database.PointQuery) ([]models.TrackPoint, error)
}

// Service implements the membership operations.
type Service struct {
	store     Store
	enforcer  *authz.Enforcer
	inviteTTL time.Duration
	now       func() time.Time
	random    io.Reader
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithInviteTTL overrides DefaultInviteTTL.
func WithInviteTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.inviteTTL = ttl
		}
	}
}

// WithRandom replaces crypto/rand as the invite code source.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

// NewService creates a Service.
func NewService(store Store, enforcer *authz.Enforcer, opts ...Option) *Service {
	s := &Service{
		store:     store,
		enforcer:  enforcer,
		inviteTTL: DefaultInviteTTL,
		now:       time.Now,
		random:    rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TripRequest is the payload for creating a trip.
type TripRequest struct {
	Name        string            `json:"name" validate:"required,max=200"`
	Destination *models.Position  `json:"destination,omitempty" validate:"omitempty"`
	Route       []models.Position `json:"route,omitempty" validate:"max=10000,dive"`
}

// CreateTrip creates a planned trip with ownerID as its leader.
func (s *Service) CreateTrip(ctx context.Context, ownerID string, req TripRequest) (*models.Trip, error) {
	if err := validation.Validate(req); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	trip := &models.Trip{
		ID:          uuid.NewString(),
		Name:        req.Name,
		OwnerID:     ownerID,
		Status:      models.TripPlanned,
		Destination: req.Destination,
		Route:       req.Route,
		CreatedAt:   now,
	}
	leader := &models.ConvoyMember{
		ID:        uuid.NewString(),
		TripID:    trip.ID,
		UserID:    ownerID,
		IsLeader:  true,
		Status:    models.MemberActive,
		JoinedAt:  now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTrip(ctx, trip, leader); err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}
	logging.Ctx(logging.ContextWithTripID(ctx, trip.ID)).Info().Str("owner", ownerID).Msg("Trip created")
	return trip, nil
}

// GetTrip returns a trip by ID.
func (s *Service) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, mapStoreErr(err, ErrTripNotFound)
	}
	return trip, nil
}

// ListTrips returns the trips userID is an active member of.
func (s *Service) ListTrips(ctx context.Context, userID string) ([]models.Trip, error) {
	return s.store.ListTripsForUser(ctx, userID)
}

// StartTrip moves a planned trip to active.
func (s *Service) StartTrip(ctx context.Context, tripID, userID string) (*models.Trip, error) {
	trip, err := s.authorizeTrip(ctx, tripID, userID, authz.ObjTrip, authz.ActStart)
	if err != nil {
		return nil, err
	}
	if trip.Status != models.TripPlanned {
		return nil, fmt.Errorf("start %s trip: %w", trip.Status, ErrTripState)
	}
	updated, err := s.store.SetTripStatus(ctx, tripID, models.TripActive, s.now())
	if err != nil {
		return nil, mapStoreErr(err, ErrTripNotFound)
	}
	logging.Ctx(logging.ContextWithTripID(ctx, tripID)).Info().Msg("Trip started")
	return updated, nil
}

// EndTrip completes a trip and every active membership in it.
func (s *Service) EndTrip(ctx context.Context, tripID, userID string) (*models.Trip, error) {
	trip, err := s.authorizeTrip(ctx, tripID, userID, authz.ObjTrip, authz.ActEnd)
	if err != nil {
		return nil, err
	}
	if trip.Status == models.TripCompleted {
		return nil, fmt.Errorf("end trip: %w", ErrTripState)
	}
	updated, err := s.store.SetTripStatus(ctx, tripID, models.TripCompleted, s.now())
	if err != nil {
		return nil, mapStoreErr(err, ErrTripNotFound)
	}
	logging.Ctx(logging.ContextWithTripID(ctx, tripID)).Info().Msg("Trip completed")
	return updated, nil
}

// ActiveMembers lists a trip's active members in join order.
func (s *Service) ActiveMembers(ctx context.Context, tripID string) ([]models.ConvoyMember, error) {
	if _, err := s.GetTrip(ctx, tripID); err != nil {
		return nil, err
	}
	return s.store.ActiveMembers(ctx, tripID)
}

// IsActiveMember reports whether userID has an active membership in tripID.
func (s *Service) IsActiveMember(ctx context.Context, tripID, userID string) (bool, error) {
	_, err := s.store.ActiveMember(ctx, tripID, userID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CanJoin reports whether userID may join the trip's presence channel.
func (s *Service) CanJoin(ctx context.Context, tripID, userID string) (bool, error) {
	_, err := s.Authorize(ctx, tripID, userID, authz.ObjPresence, authz.ActJoin)
	if errors.Is(err, ErrNotMember) || errors.Is(err, ErrNotLeader) {
		return false, nil
	}
	return err == nil, err
}

// Leave ends userID's membership. A leader leaving a convoy that still has
// members hands leadership to the longest-standing remaining member first.
func (s *Service) Leave(ctx context.Context, tripID, userID string) error {
	m, err := s.Authorize(ctx, tripID, userID, authz.ObjTrip, authz.ActLeave)
	if err != nil {
		return err
	}
	now := s.now()
	if m.IsLeader {
		members, err := s.store.ActiveMembers(ctx, tripID)
		if err != nil {
			return err
		}
		for _, other := range members {
			if other.UserID == userID {
				continue
			}
			if err := s.store.TransferLeader(ctx, tripID, userID, other.UserID, now); err != nil {
				return fmt.Errorf("hand over leadership: %w", err)
			}
			logging.Ctx(ctx).Info().Str("trip_id", tripID).Str("leader", other.UserID).
				Msg("Leadership handed over on leave")
			break
		}
	}
	if _, err := s.store.SetMemberStatus(ctx, tripID, userID, models.MemberLeft, now); err != nil {
		return mapStoreErr(err, ErrNotMember)
	}
	return nil
}

// TransferLeadership makes toUser the leader. Only the current leader may call it.
func (s *Service) TransferLeadership(ctx context.Context, tripID, fromUser, toUser string) error {
	if _, err := s.Authorize(ctx, tripID, fromUser, authz.ObjTrip, authz.ActTransfer); err != nil {
		return err
	}
	if fromUser == toUser {
		return nil
	}
	if ok, err := s.IsActiveMember(ctx, tripID, toUser); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("transfer to %s: %w", toUser, ErrNotMember)
	}
	if err := s.store.TransferLeader(ctx, tripID, fromUser, toUser, s.now()); err != nil {
		return mapStoreErr(err, ErrNotMember)
	}
	return nil
}

// Authorize checks that userID is an active member of tripID whose role may
// perform act on obj, and returns the membership.
func (s *Service) Authorize(ctx context.Context, tripID, userID, obj, act string) (*models.ConvoyMember, error) {
	m, err := s.store.ActiveMember(ctx, tripID, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			if _, terr := s.GetTrip(ctx, tripID); terr != nil {
				return nil, terr
			}
			return nil, ErrNotMember
		}
		return nil, err
	}
	allowed, err := s.enforcer.Enforce(authz.RoleFor(m.IsLeader), obj, act)
	if err != nil {
		return nil, fmt.Errorf("authorize %s %s: %w", act, obj, err)
	}
	if !allowed {
		return nil, ErrNotLeader
	}
	return m, nil
}

func (s *Service) authorizeTrip(ctx context.Context, tripID, userID, obj, act string) (*models.Trip, error) {
	if _, err := s.Authorize(ctx, tripID, userID, obj, act); err != nil {
		return nil, err
	}
	return s.GetTrip(ctx, tripID)
}

// mapStoreErr turns a store not-found into the domain sentinel.
func mapStoreErr(err, notFound error) error {
	if errors.Is(err, database.ErrNotFound) {
		return notFound
	}
	return err
}
