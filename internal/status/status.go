// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package status derives a convoy member's movement status from their last
// reported speed and how long ago they reported it.
//
// Status is a pure function of (lastUpdate, speed, now). It must be evaluated
// against the wall clock on a timer, not only when new presence arrives;
// otherwise a member who stops transmitting keeps their last status forever.
// Monitor provides that timer.
package status

import (
	"time"

	"github.com/tomtom215/convoy/internal/models"
)

const (
	// OfflineAfter is the staleness beyond which a member is offline regardless of speed.
	OfflineAfter = 30 * time.Second

	// StoppedBelowKmh is the speed under which a member counts as stopped.
	StoppedBelowKmh = 1.0

	// SlowBelowKmh is the speed under which a moving member counts as slow.
	SlowBelowKmh = 20.0
)

// Status classifies a member. lastUpdate and now are epoch milliseconds; a nil
// speed means the member never reported one.
func Status(lastUpdate int64, speed *float64, now int64) models.MemberStatus {
	if now-lastUpdate > OfflineAfter.Milliseconds() {
		return models.StatusOffline
	}
	switch {
	case speed == nil || *speed < StoppedBelowKmh:
		return models.StatusStopped
	case *speed < SlowBelowKmh:
		return models.StatusSlow
	default:
		return models.StatusMoving
	}
}

// ForMember classifies a presence record at now.
func ForMember(m models.ConvoyMemberPresence, now time.Time) models.MemberStatus {
	return Status(m.LastUpdate, m.Speed, now.UnixMilli())
}

// Color is a presentation color token (CSS hex).
type Color string

// StatusColor maps a status to the color used by both the member list and map markers.
func StatusColor(s models.MemberStatus) Color {
	switch s {
	case models.StatusMoving:
		return "#22c55e"
	case models.StatusSlow:
		return "#eab308"
	case models.StatusStopped:
		return "#f97316"
	case models.StatusOffline:
		return "#6b7280"
	}
	return "#6b7280"
}
