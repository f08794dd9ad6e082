// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package models

import (
	"sort"

	"github.com/goccy/go-json"
)

// ConvoyMemberPresence is the state a member tracks on a convoy channel.
// It is ephemeral and is replaced wholesale on every sync.
type ConvoyMemberPresence struct {
	ID         string   `json:"id" validate:"required,max=64"`
	Name       string   `json:"name" validate:"max=128"`
	Avatar     string   `json:"avatar,omitempty" validate:"omitempty,url"`
	Position   Position `json:"position"`
	Heading    *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Speed      *float64 `json:"speed,omitempty" validate:"omitempty,gte=0"`
	LastUpdate int64    `json:"lastUpdate" validate:"gte=0"` // epoch milliseconds
}

// Clone returns a deep copy so snapshots can be handed to readers safely.
func (p ConvoyMemberPresence) Clone() ConvoyMemberPresence {
	c := p
	if p.Heading != nil {
		c.Heading = Float(*p.Heading)
	}
	if p.Speed != nil {
		c.Speed = Float(*p.Speed)
	}
	return c
}

// PresenceFromSample builds the presence record a member publishes for a sample.
func PresenceFromSample(id, name, avatar string, s LocationSample) ConvoyMemberPresence {
	return ConvoyMemberPresence{
		ID:         id,
		Name:       name,
		Avatar:     avatar,
		Position:   s.Position,
		Heading:    s.Heading,
		Speed:      s.Speed,
		LastUpdate: s.Timestamp,
	}.Clone()
}

// SortedMembers flattens a presence map into a slice ordered by member ID,
// leaving out exclude.
func SortedMembers(set map[string]ConvoyMemberPresence, exclude string) []ConvoyMemberPresence {
	out := make([]ConvoyMemberPresence, 0, len(set))
	for id, p := range set {
		if id == exclude || p.ID == exclude {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Presence channel frame types.
const (
	FrameTrack   = "track"
	FrameUntrack = "untrack"
	FrameLeave   = "leave"
	FrameSync    = "sync"
	FrameJoin    = "join"
	FrameError   = "error"
)

// Leave reasons carried by leave hint frames. Only "left" is intentional.
const (
	LeaveReasonLeft    = "left"
	LeaveReasonDropped = "dropped"
	LeaveReasonRemoved = "removed"
)

// PresenceFrame is the envelope of every message on a presence connection.
type PresenceFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewPresenceFrame encodes payload into a frame. A nil payload is omitted.
func NewPresenceFrame(frameType string, payload interface{}) (PresenceFrame, error) {
	f := PresenceFrame{Type: frameType}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return f, err
	}
	f.Payload = raw
	return f, nil
}

// PresenceError is the payload of an error frame.
type PresenceError struct {
	Message string `json:"message"`
}

// PresenceSync is the full snapshot of a channel. Members includes the
// recipient; clients are responsible for excluding themselves.
type PresenceSync struct {
	Channel string                          `json:"channel"`
	Members map[string]ConvoyMemberPresence `json:"members"`
}

// PresenceHint is the payload of join and leave frames. Hints are advisory
// and never define channel membership.
type PresenceHint struct {
	Channel  string `json:"channel"`
	MemberID string `json:"member_id"`
	Reason   string `json:"reason,omitempty"`
}

// ChannelName returns the presence channel for a trip.
func ChannelName(tripID string) string {
	return "convoy:" + tripID
}
