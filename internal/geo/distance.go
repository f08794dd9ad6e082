// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package geo

import (
	"math"

	"github.com/tomtom215/convoy/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used for haversine distances.
const EarthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two positions.
func HaversineMeters(a, b models.Position) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// distanceFilter passes a position only when it is at least minMeters from
// the last passed position. The first position always passes.
type distanceFilter struct {
	minMeters float64
	last      *models.Position
}

func (f *distanceFilter) allow(p models.Position) bool {
	if f.minMeters <= 0 || f.last == nil {
		f.last = &p
		return true
	}
	if HaversineMeters(*f.last, p) < f.minMeters {
		return false
	}
	f.last = &p
	return true
}
