// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package models

import (
	"fmt"
	"time"
)

// TileCoordinate addresses a slippy-map tile.
type TileCoordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (t TileCoordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// BoundingBox is a lon/lat rectangle.
type BoundingBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// CachedTileEntry is a stored tile response keyed by its canonical URL.
type CachedTileEntry struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	FetchedAt   time.Time `json:"fetched_at"`
	OriginDate  time.Time `json:"origin_date,omitempty"` // origin Date header, zero if unknown
}

// CreatedAt is the age reference used for expiry: the origin's reported time
// when known, otherwise the download time.
func (e CachedTileEntry) CreatedAt() time.Time {
	if !e.OriginDate.IsZero() {
		return e.OriginDate
	}
	return e.FetchedAt
}

// TileEstimate previews the size of a route-area download.
type TileEstimate struct {
	Tiles          int         `json:"tiles"`
	EstimatedBytes int64       `json:"estimated_bytes"`
	PerZoom        map[int]int `json:"per_zoom"`
	Bounds         BoundingBox `json:"bounds"`
}

// TileCacheStatus reports how much of a route area is already cached.
type TileCacheStatus struct {
	Total   int     `json:"total"`
	Cached  int     `json:"cached"`
	Percent float64 `json:"percent"`
}
