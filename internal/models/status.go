// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package models

// MemberStatus is the derived movement state of a convoy member.
type MemberStatus string

const (
	StatusMoving  MemberStatus = "moving"
	StatusSlow    MemberStatus = "slow"
	StatusStopped MemberStatus = "stopped"
	StatusOffline MemberStatus = "offline"
)

// AllStatuses lists every MemberStatus in display order.
var AllStatuses = []MemberStatus{StatusMoving, StatusSlow, StatusStopped, StatusOffline}
