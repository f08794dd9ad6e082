// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package api

import (
	"net/http"
	"time"

	"github.com/tomtom215/convoy/internal/authz"
	"github.com/tomtom215/convoy/internal/mapview"
	"github.com/tomtom215/convoy/internal/models"
)

// Map handles GET /api/v1/trips/{id}/map. It renders the trip's current
// presence as GeoJSON from the caller's point of view: the caller is the
// self marker, everyone else a status-coloured member marker, plus the
// destination and route. ?compass=true rotates the camera to the caller's
// heading; ?route=false hides the route line.
func (h *Handler) Map(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tripID := tripParam(r)
	caller := userID(r)
	if _, err := h.svc.Authorize(r.Context(), tripID, caller, authz.ObjPresence, authz.ActJoin); err != nil {
		respondServiceError(w, r, err)
		return
	}
	trip, err := h.svc.GetTrip(r.Context(), tripID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	var snapshot map[string]models.ConvoyMemberPresence
	if h.presence != nil {
		snapshot = h.presence.Snapshot(tripID)
	}

	surface := mapview.NewGeoJSONSurface()
	renderer := mapview.NewRenderer(surface, h.thresholds())
	renderer.SetCompassMode(r.URL.Query().Get("compass") == "true")
	if trip.Destination != nil {
		renderer.SetDestination(*trip.Destination)
	}
	if len(trip.Route) > 0 {
		renderer.SetRoute(trip.Route)
		renderer.SetRouteVisible(r.URL.Query().Get("route") != "false")
	}
	if self, ok := snapshot[caller]; ok {
		renderer.UpdateSelf(models.LocationSample{
			Position:  self.Position,
			Heading:   self.Heading,
			Speed:     self.Speed,
			Timestamp: self.LastUpdate,
		})
	}
	renderer.UpdateMembers(models.SortedMembers(snapshot, caller), h.now())

	respondSuccess(w, http.StatusOK, surface.FeatureCollection(), start)
}

func (h *Handler) thresholds() mapview.Thresholds {
	if h.config == nil {
		return mapview.DefaultThresholds()
	}
	return mapview.ThresholdsFrom(h.config.Map)
}
