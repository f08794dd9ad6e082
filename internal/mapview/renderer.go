// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package mapview

import (
	"math"
	"sync"
	"time"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/status"
)

// Fixed layer IDs.
const (
	SelfMarkerID        = "self"
	DestinationMarkerID = "destination"
	RouteLineID         = "route"
)

// Thresholds decide when a member marker is recreated instead of moved.
type Thresholds struct {
	SpeedKmh   float64
	HeadingDeg float64
}

// DefaultThresholds returns 5 km/h and 30 degrees.
func DefaultThresholds() Thresholds {
	return Thresholds{SpeedKmh: 5, HeadingDeg: 30}
}

// ThresholdsFrom reads thresholds from config, keeping defaults for unset values.
func ThresholdsFrom(cfg config.MapConfig) Thresholds {
	t := DefaultThresholds()
	if cfg.SpeedThresholdKmh > 0 {
		t.SpeedKmh = cfg.SpeedThresholdKmh
	}
	if cfg.HeadingThresholdDeg > 0 {
		t.HeadingDeg = cfg.HeadingThresholdDeg
	}
	return t
}

// drawn is what a member marker currently shows.
type drawn struct {
	position models.Position
	status   models.MemberStatus
	speed    *float64
	heading  *float64
}

// Renderer drives a Surface from the self sample stream and presence
// snapshots. It is safe for concurrent use.
type Renderer struct {
	surface    Surface
	thresholds Thresholds

	mu          sync.Mutex
	closed      bool
	compass     bool
	self        *models.LocationSample
	destination *models.Position
	routeSet    bool
	routeOn     bool
	members     map[string]drawn
}

// NewRenderer creates a Renderer drawing on surface.
func NewRenderer(surface Surface, thresholds Thresholds) *Renderer {
	if thresholds.SpeedKmh <= 0 || thresholds.HeadingDeg <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Renderer{
		surface:    surface,
		thresholds: thresholds,
		routeOn:    true,
		members:    make(map[string]drawn),
	}
}

// UpdateSelf places the device's own marker. It is created on the first
// sample and only moved afterwards.
func (r *Renderer) UpdateSelf(sample models.LocationSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if r.self == nil {
		r.surface.AddMarker(Marker{ID: SelfMarkerID, Kind: KindSelf, Position: sample.Position, Bearing: r.selfBearing(sample)})
		metrics.MapMarkerOps.WithLabelValues("create").Inc()
	} else if r.self.Position != sample.Position {
		r.surface.MoveMarker(SelfMarkerID, sample.Position)
		metrics.MapMarkerOps.WithLabelValues("move").Inc()
	}
	prev := r.self
	r.self = &sample

	if r.compass && sample.Heading != nil && (prev == nil || prev.Heading == nil || *prev.Heading != *sample.Heading) {
		if prev != nil {
			r.surface.RotateMarker(SelfMarkerID, *sample.Heading)
		}
		r.surface.SetCameraBearing(*sample.Heading)
	}
}

func (r *Renderer) selfBearing(s models.LocationSample) float64 {
	if r.compass && s.Heading != nil {
		return *s.Heading
	}
	return 0
}

// SetCompassMode makes the self marker and camera follow the heading. Turning
// it off returns the camera to north-up.
func (r *Renderer) SetCompassMode(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.compass == on {
		return
	}
	r.compass = on
	if !on {
		r.surface.SetCameraBearing(0)
		if r.self != nil {
			r.surface.RotateMarker(SelfMarkerID, 0)
		}
		return
	}
	if r.self != nil && r.self.Heading != nil {
		r.surface.RotateMarker(SelfMarkerID, *r.self.Heading)
		r.surface.SetCameraBearing(*r.self.Heading)
	}
}

// SetDestination places or moves the destination marker.
func (r *Renderer) SetDestination(pos models.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.destination == nil {
		r.surface.AddMarker(Marker{ID: DestinationMarkerID, Kind: KindDestination, Position: pos, Label: "Destination"})
	} else if *r.destination != pos {
		r.surface.MoveMarker(DestinationMarkerID, pos)
	}
	r.destination = &pos
}

// SetRoute replaces the route line's geometry. The line layer is created once.
func (r *Renderer) SetRoute(route []models.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.surface.SetLine(RouteLineID, route)
	if !r.routeSet && !r.routeOn {
		r.surface.SetLineVisible(RouteLineID, false)
	}
	r.routeSet = true
}

// SetRouteVisible toggles the route line without re-adding it.
func (r *Renderer) SetRouteVisible(visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.routeOn == visible {
		return
	}
	r.routeOn = visible
	if r.routeSet {
		r.surface.SetLineVisible(RouteLineID, visible)
	}
}

// UpdateMembers reconciles member markers with a snapshot evaluated at now.
// A marker is recreated only when its status changes or its speed or
// heading moves past the thresholds; otherwise it is moved. Markers of
// members missing from the snapshot are removed.
func (r *Renderer) UpdateMembers(snapshot []models.ConvoyMemberPresence, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	seen := make(map[string]struct{}, len(snapshot))
	for _, p := range snapshot {
		seen[p.ID] = struct{}{}
		st := status.ForMember(p, now)
		next := drawn{position: p.Position, status: st, speed: copyFloat(p.Speed), heading: copyFloat(p.Heading)}

		prev, exists := r.members[p.ID]
		switch {
		case !exists:
			r.surface.AddMarker(memberMarker(p, st))
			metrics.MapMarkerOps.WithLabelValues("create").Inc()
		case r.significant(prev, next):
			r.surface.RemoveMarker(p.ID)
			r.surface.AddMarker(memberMarker(p, st))
			metrics.MapMarkerOps.WithLabelValues("recreate").Inc()
		case prev.position != next.position:
			// Speed and heading stay as drawn so slow drift still crosses
			// the threshold eventually.
			r.surface.MoveMarker(p.ID, p.Position)
			metrics.MapMarkerOps.WithLabelValues("move").Inc()
			prev.position = next.position
			r.members[p.ID] = prev
			continue
		default:
			continue
		}
		r.members[p.ID] = next
	}

	for id := range r.members {
		if _, ok := seen[id]; !ok {
			r.surface.RemoveMarker(id)
			delete(r.members, id)
			metrics.MapMarkerOps.WithLabelValues("remove").Inc()
		}
	}
}

// significant reports whether next differs enough from what is drawn to
// need a new marker.
func (r *Renderer) significant(prev, next drawn) bool {
	if prev.status != next.status {
		return true
	}
	if math.Abs(orZero(prev.speed)-orZero(next.speed)) > r.thresholds.SpeedKmh {
		return true
	}
	if (prev.heading == nil) != (next.heading == nil) {
		return true
	}
	if prev.heading != nil && AngularDistance(*prev.heading, *next.heading) > r.thresholds.HeadingDeg {
		return true
	}
	return false
}

// MemberCount returns the number of member markers on the surface.
func (r *Renderer) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Close removes every marker and the route line, then closes the surface.
// Later calls are no-ops.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id := range r.members {
		r.surface.RemoveMarker(id)
	}
	r.members = nil
	if r.self != nil {
		r.surface.RemoveMarker(SelfMarkerID)
	}
	if r.destination != nil {
		r.surface.RemoveMarker(DestinationMarkerID)
	}
	if r.routeSet {
		r.surface.SetLine(RouteLineID, nil)
	}
	r.surface.Close()
}

// AngularDistance returns the smallest angle between two headings, in [0,180].
func AngularDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func memberMarker(p models.ConvoyMemberPresence, st models.MemberStatus) Marker {
	m := Marker{
		ID:       p.ID,
		Kind:     KindMember,
		Position: p.Position,
		Label:    p.Name,
		Avatar:   p.Avatar,
		Status:   st,
		Color:    status.StatusColor(st),
	}
	if p.Heading != nil {
		m.Bearing = *p.Heading
	}
	if p.Speed != nil {
		m.Speed = models.Float(*p.Speed)
	}
	return m
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return models.Float(*v)
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
