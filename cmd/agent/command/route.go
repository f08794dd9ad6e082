// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package command

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/validation"
)

// geoJSONLine is the subset of a GeoJSON LineString the route reader needs.
type geoJSONLine struct {
	Type        string      `json:"type"`
	Coordinates [][]float64 `json:"coordinates"`
}

// readRoute loads a route from a JSON array of {"lon","lat"} positions or
// from a GeoJSON LineString.
func readRoute(path string) ([]models.Position, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route: %w", err)
	}

	var route []models.Position
	if err := json.Unmarshal(data, &route); err != nil {
		var line geoJSONLine
		if lerr := json.Unmarshal(data, &line); lerr != nil || line.Type != "LineString" {
			return nil, fmt.Errorf("route %s is neither a position array nor a GeoJSON LineString", path)
		}
		route = make([]models.Position, 0, len(line.Coordinates))
		for i, c := range line.Coordinates {
			if len(c) < 2 {
				return nil, fmt.Errorf("route coordinate %d has %d values", i, len(c))
			}
			route = append(route, models.Position{Lon: c[0], Lat: c[1]})
		}
	}

	if len(route) == 0 {
		return nil, errors.New("route has no positions")
	}
	for i := range route {
		if err := validation.Validate(route[i]); err != nil {
			return nil, fmt.Errorf("route position %d: %w", i, err)
		}
	}
	return route, nil
}

// parseDestination reads a "lat,lon" pair.
func parseDestination(s string) (models.Position, error) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return models.Position{}, fmt.Errorf("destination %q must be lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("destination latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("destination longitude: %w", err)
	}
	pos := models.Position{Lat: lat, Lon: lon}
	if err := validation.Validate(pos); err != nil {
		return models.Position{}, fmt.Errorf("destination: %w", err)
	}
	return pos, nil
}
