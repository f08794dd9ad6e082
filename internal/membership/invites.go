// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package membership

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/convoy/internal/authz"
	"github.com/tomtom215/convoy/internal/database"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/validation"
)

// CreateInvite issues a pending invite for tripID. Leader only.
func (s *Service) CreateInvite(ctx context.Context, tripID, inviterID string) (*models.Invite, error) {
	trip, err := s.authorizeTrip(ctx, tripID, inviterID, authz.ObjInvite, authz.ActCreate)
	if err != nil {
		return nil, err
	}
	if trip.Status == models.TripCompleted {
		return nil, fmt.Errorf("invite to completed trip: %w", ErrTripState)
	}

	now := s.now().UTC()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := GenerateCode(s.random)
		if err != nil {
			return nil, err
		}
		inv := &models.Invite{
			ID:        uuid.NewString(),
			TripID:    tripID,
			Code:      code,
			InviterID: inviterID,
			Status:    models.InvitePending,
			CreatedAt: now,
			ExpiresAt: now.Add(s.inviteTTL),
		}
		err = s.store.CreateInvite(ctx, inv)
		if err == nil {
			logging.Ctx(logging.ContextWithTripID(ctx, tripID)).Info().
				Str("inviter", inviterID).Time("expires_at", inv.ExpiresAt).Msg("Invite created")
			return inv, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("create invite: %w", err)
		}
	}
	return nil, fmt.Errorf("create invite: no free code after %d attempts", maxCodeAttempts)
}

// ListInvites returns a trip's invites. Leader only.
func (s *Service) ListInvites(ctx context.Context, tripID, userID string) ([]models.Invite, error) {
	if _, err := s.Authorize(ctx, tripID, userID, authz.ObjInvite, authz.ActCreate); err != nil {
		return nil, err
	}
	return s.store.ListInvites(ctx, tripID)
}

// AcceptInvite redeems code for userID at now and creates the active
// membership. Expiry is checked first: an expired invite stays pending.
func (s *Service) AcceptInvite(ctx context.Context, code, userID string, now time.Time) (*models.ConvoyMember, error) {
	inv, trip, err := s.answerable(ctx, code, now)
	if err != nil {
		return nil, err
	}
	if ok, err := s.IsActiveMember(ctx, trip.ID, userID); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyMember
	}

	at := now.UTC()
	member := &models.ConvoyMember{
		ID:        uuid.NewString(),
		TripID:    trip.ID,
		UserID:    userID,
		Status:    models.MemberActive,
		JoinedAt:  at,
		UpdatedAt: at,
	}
	if _, err := s.store.AcceptInvite(ctx, inv.ID, member, now); err != nil {
		if errors.Is(err, database.ErrConflict) {
			// Lost a race: either the invite was answered or the user joined.
			if ok, _ := s.IsActiveMember(ctx, trip.ID, userID); ok {
				return nil, ErrAlreadyMember
			}
			return nil, ErrInviteNotPending
		}
		return nil, fmt.Errorf("accept invite: %w", err)
	}
	logging.Ctx(logging.ContextWithTripID(ctx, trip.ID)).Info().Str("user", userID).Msg("Invite accepted")
	return member, nil
}

// DeclineInvite settles code as declined. Declining is terminal.
func (s *Service) DeclineInvite(ctx context.Context, code, userID string, now time.Time) (*models.Invite, error) {
	inv, _, err := s.answerable(ctx, code, now)
	if err != nil {
		return nil, err
	}
	declined, err := s.store.DeclineInvite(ctx, inv.ID, userID, now)
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, ErrInviteNotPending
		}
		return nil, fmt.Errorf("decline invite: %w", err)
	}
	return declined, nil
}

// answerable loads an invite and checks, in order, expiry, pending status
// and that the trip is still open.
func (s *Service) answerable(ctx context.Context, code string, now time.Time) (*models.Invite, *models.Trip, error) {
	code = NormalizeCode(code)
	if !validation.IsInviteCode(code) {
		return nil, nil, ErrInviteNotFound
	}
	inv, err := s.store.GetInviteByCode(ctx, code)
	if err != nil {
		return nil, nil, mapStoreErr(err, ErrInviteNotFound)
	}
	if inv.Expired(now) {
		return nil, nil, ErrInviteExpired
	}
	if inv.Status != models.InvitePending {
		return nil, nil, ErrInviteNotPending
	}
	trip, err := s.GetTrip(ctx, inv.TripID)
	if err != nil {
		return nil, nil, err
	}
	if trip.Status == models.TripCompleted {
		return nil, nil, fmt.Errorf("join completed trip: %w", ErrTripState)
	}
	return inv, trip, nil
}

// GenerateCode draws an invite code from validation.InviteAlphabet. The
// alphabet has 32 symbols, so reducing a byte modulo its length is unbiased.
func GenerateCode(r io.Reader) (string, error) {
	buf := make([]byte, validation.InviteCodeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	alphabet := validation.InviteAlphabet
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// NormalizeCode upper-cases and trims user-entered codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
