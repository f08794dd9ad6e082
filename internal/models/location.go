// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package models

import (
	"math"
	"time"
)

// Position is a WGS84 coordinate.
type Position struct {
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
}

// LocationSample is a single normalized fix from the device. Samples are
// immutable once created; use NewLocationSample to build one.
type LocationSample struct {
	Position Position `json:"position"`
	// Heading is degrees from true north.
	Heading *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	// Speed is km/h.
	Speed *float64 `json:"speed,omitempty" validate:"omitempty,gte=0"`
	// Accuracy is meters.
	Accuracy *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	// Timestamp is epoch milliseconds.
	Timestamp int64 `json:"timestamp" validate:"required,gt=0"`
}

// NewLocationSample normalizes the optional fields of a raw fix. Negative or
// NaN speed and accuracy are treated as absent, and heading is wrapped into [0,360).
func NewLocationSample(pos Position, heading, speed, accuracy *float64, ts time.Time) LocationSample {
	return LocationSample{
		Position:  pos,
		Heading:   NormalizeHeading(heading),
		Speed:     nonNegative(speed),
		Accuracy:  nonNegative(accuracy),
		Timestamp: ts.UnixMilli(),
	}
}

// Time returns the sample timestamp as a time.Time.
func (s LocationSample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// NormalizeHeading wraps a heading into [0,360). nil and NaN stay absent.
func NormalizeHeading(h *float64) *float64 {
	if h == nil || math.IsNaN(*h) || math.IsInf(*h, 0) {
		return nil
	}
	v := math.Mod(*h, 360)
	if v < 0 {
		v += 360
	}
	return &v
}

func nonNegative(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || *v < 0 {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v. Handy for optional sample fields.
func Float(v float64) *float64 {
	return &v
}

// BufferedPoint is a LocationSample recorded while the device was offline.
// Seq disambiguates samples that share a millisecond.
type BufferedPoint struct {
	LocationSample
	TripID string `json:"trip_id,omitempty"`
	Seq    uint64 `json:"seq"`
}

// PointBatch is the body of a point sync request.
type PointBatch struct {
	Points []LocationSample `json:"points" validate:"required,min=1,dive"`
}

// PointSyncResult reports how many synced points were new on the server.
type PointSyncResult struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
}
