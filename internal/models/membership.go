// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package models

import "time"

// MemberState is the persisted lifecycle state of a convoy membership row.
type MemberState string

const (
	MemberActive    MemberState = "active"
	MemberLeft      MemberState = "left"
	MemberCompleted MemberState = "completed"
)

// ConvoyMember is one membership row. Transitions are appended as new rows;
// at most one active row exists per (TripID, UserID).
type ConvoyMember struct {
	ID        string      `json:"id"`
	TripID    string      `json:"trip_id"`
	UserID    string      `json:"user_id"`
	IsLeader  bool        `json:"is_leader"`
	Status    MemberState `json:"status"`
	JoinedAt  time.Time   `json:"joined_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripPlanned   TripStatus = "planned"
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
)

// Trip is a planned or running road trip.
type Trip struct {
	ID          string     `json:"id"`
	Name        string     `json:"name" validate:"required,max=200"`
	OwnerID     string     `json:"owner_id"`
	Status      TripStatus `json:"status"`
	Destination *Position  `json:"destination,omitempty"`
	Route       []Position `json:"route,omitempty" validate:"dive"`
	CreatedAt   time.Time  `json:"created_at"`
}

// InviteStatus is the state of an invite. accepted and declined are terminal.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
)

// Invite grants one user a seat in a trip's convoy.
type Invite struct {
	ID          string       `json:"id"`
	TripID      string       `json:"trip_id"`
	Code        string       `json:"code"`
	InviterID   string       `json:"inviter_id"`
	InviteeID   string       `json:"invitee_id,omitempty"`
	Status      InviteStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
}

// Expired reports whether the invite can no longer be answered at now.
func (i Invite) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// TrackPoint is a location sample persisted on the server for a trip member.
type TrackPoint struct {
	TripID string `json:"trip_id"`
	UserID string `json:"user_id"`
	LocationSample
}
