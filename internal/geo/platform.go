// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package geo

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by a Platform when the user has refused
// location access.
var ErrPermissionDenied = errors.New("location permission denied")

// Permission is the access level granted by the user.
type Permission int

const (
	PermissionDenied Permission = iota
	PermissionForeground
	PermissionBackground
)

func (p Permission) String() string {
	switch p {
	case PermissionForeground:
		return "foreground"
	case PermissionBackground:
		return "background"
	default:
		return "denied"
	}
}

// Fix is a raw platform reading before normalization. Speed is in meters per
// second, as platform APIs report it. Negative values mean "unknown".
type Fix struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Heading  float64   `json:"heading"`
	SpeedMps float64   `json:"speed_mps"`
	Accuracy float64   `json:"accuracy"`
	Time     time.Time `json:"time"`
}

// WatchOptions are passed to a platform watch.
type WatchOptions struct {
	HighAccuracy bool

	// DistanceFilter is advisory for platforms that can filter natively.
	DistanceFilter float64

	// RationaleTitle and RationaleMessage are shown by the OS when a
	// background watch is registered.
	RationaleTitle   string
	RationaleMessage string
}

// Watch is a running platform location watch.
type Watch interface {
	Stop()
}

// Platform abstracts the device location API.
type Platform interface {
	// RequestPermission asks for access; background requests may be
	// downgraded to foreground by the user.
	RequestPermission(ctx context.Context, background bool) (Permission, error)

	// SupportsBackground reports whether a background-capable watch exists.
	SupportsBackground() bool

	// WatchForeground and WatchBackground start a watch. onFix and onErr may
	// be called from any goroutine and must not be called after Stop returns.
	WatchForeground(ctx context.Context, opts WatchOptions, onFix func(Fix), onErr func(error)) (Watch, error)
	WatchBackground(ctx context.Context, opts WatchOptions, onFix func(Fix), onErr func(error)) (Watch, error)
}
