// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package mapview

import (
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/convoy/internal/models"
)

// GeoJSONGeometry is a Point or LineString geometry.
type GeoJSONGeometry struct {
	Type        string      `json:"type"`
	Coordinates interface{} `json:"coordinates"`
}

// GeoJSONFeature is one marker or line.
type GeoJSONFeature struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Geometry   GeoJSONGeometry        `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

// GeoJSONFeatureCollection is the map snapshot.
type GeoJSONFeatureCollection struct {
	Type     string           `json:"type"`
	Bearing  float64          `json:"bearing"`
	Features []GeoJSONFeature `json:"features"`
}

type geoLine struct {
	coords  []models.Position
	visible bool
}

// GeoJSONSurface keeps the current map state and renders it as a
// FeatureCollection. It is safe for concurrent use.
type GeoJSONSurface struct {
	mu      sync.RWMutex
	markers map[string]Marker
	lines   map[string]*geoLine
	bearing float64
	closed  bool
}

// NewGeoJSONSurface returns an empty surface.
func NewGeoJSONSurface() *GeoJSONSurface {
	return &GeoJSONSurface{
		markers: make(map[string]Marker),
		lines:   make(map[string]*geoLine),
	}
}

func (s *GeoJSONSurface) AddMarker(m Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if m.Speed != nil {
		m.Speed = models.Float(*m.Speed)
	}
	s.markers[m.ID] = m
}

func (s *GeoJSONSurface) MoveMarker(id string, pos models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.markers[id]; ok {
		m.Position = pos
		s.markers[id] = m
	}
}

func (s *GeoJSONSurface) RotateMarker(id string, bearing float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.markers[id]; ok {
		m.Bearing = bearing
		s.markers[id] = m
	}
}

func (s *GeoJSONSurface) RemoveMarker(id string) {
	s.mu.Lock()
	delete(s.markers, id)
	s.mu.Unlock()
}

func (s *GeoJSONSurface) SetLine(id string, coords []models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	l, ok := s.lines[id]
	if !ok {
		l = &geoLine{visible: true}
		s.lines[id] = l
	}
	l.coords = append([]models.Position(nil), coords...)
}

func (s *GeoJSONSurface) SetLineVisible(id string, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lines[id]; ok {
		l.visible = visible
	}
}

func (s *GeoJSONSurface) SetCameraBearing(bearing float64) {
	s.mu.Lock()
	s.bearing = bearing
	s.mu.Unlock()
}

func (s *GeoJSONSurface) Close() {
	s.mu.Lock()
	s.closed = true
	s.markers = make(map[string]Marker)
	s.lines = make(map[string]*geoLine)
	s.mu.Unlock()
}

// FeatureCollection renders the visible state. Lines come first, then
// markers ordered by ID.
func (s *GeoJSONSurface) FeatureCollection() GeoJSONFeatureCollection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fc := GeoJSONFeatureCollection{Type: "FeatureCollection", Bearing: s.bearing, Features: []GeoJSONFeature{}}

	lineIDs := make([]string, 0, len(s.lines))
	for id := range s.lines {
		lineIDs = append(lineIDs, id)
	}
	sort.Strings(lineIDs)
	for _, id := range lineIDs {
		l := s.lines[id]
		if !l.visible || len(l.coords) == 0 {
			continue
		}
		coords := make([][]float64, len(l.coords))
		for i, p := range l.coords {
			coords[i] = []float64{p.Lon, p.Lat}
		}
		fc.Features = append(fc.Features, GeoJSONFeature{
			Type:       "Feature",
			ID:         id,
			Geometry:   GeoJSONGeometry{Type: "LineString", Coordinates: coords},
			Properties: map[string]interface{}{"kind": "line"},
		})
	}

	markerIDs := make([]string, 0, len(s.markers))
	for id := range s.markers {
		markerIDs = append(markerIDs, id)
	}
	sort.Strings(markerIDs)
	for _, id := range markerIDs {
		fc.Features = append(fc.Features, markerFeature(s.markers[id]))
	}
	return fc
}

// MarshalJSON encodes the current FeatureCollection.
func (s *GeoJSONSurface) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.FeatureCollection())
}

func markerFeature(m Marker) GeoJSONFeature {
	props := map[string]interface{}{
		"kind":    string(m.Kind),
		"bearing": m.Bearing,
	}
	if m.Label != "" {
		props["label"] = m.Label
	}
	if m.Avatar != "" {
		props["avatar"] = m.Avatar
	}
	if m.Status != "" {
		props["status"] = string(m.Status)
	}
	if m.Color != "" {
		props["color"] = string(m.Color)
	}
	if m.Speed != nil {
		props["speed"] = *m.Speed
	}
	return GeoJSONFeature{
		Type:       "Feature",
		ID:         m.ID,
		Geometry:   GeoJSONGeometry{Type: "Point", Coordinates: []float64{m.Position.Lon, m.Position.Lat}},
		Properties: props,
	}
}
