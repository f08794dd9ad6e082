// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package api

import (
	"net/http"
	"time"

	"github.com/tomtom215/convoy/internal/authz"
	"github.com/tomtom215/convoy/internal/membership"
	"github.com/tomtom215/convoy/internal/validation"
)

// CreateTrip handles POST /api/v1/trips. The caller becomes the leader.
func (h *Handler) CreateTrip(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req membership.TripRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body", err)
		return
	}
	trip, err := h.svc.CreateTrip(r.Context(), userID(r), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusCreated, trip, start)
}

// ListTrips handles GET /api/v1/trips: trips the caller is active in.
func (h *Handler) ListTrips(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	trips, err := h.svc.ListTrips(r.Context(), userID(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, trips, start)
}

// GetTrip handles GET /api/v1/trips/{id}.
func (h *Handler) GetTrip(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tripID := tripParam(r)
	if _, err := h.svc.Authorize(r.Context(), tripID, userID(r), authz.ObjTrip, authz.ActView); err != nil {
		respondServiceError(w, r, err)
		return
	}
	trip, err := h.svc.GetTrip(r.Context(), tripID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, trip, start)
}

// StartTrip handles POST /api/v1/trips/{id}/start.
func (h *Handler) StartTrip(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	trip, err := h.svc.StartTrip(r.Context(), tripParam(r), userID(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, trip, start)
}

// EndTrip handles POST /api/v1/trips/{id}/end. Every active member becomes
// completed and is dropped from presence.
func (h *Handler) EndTrip(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	trip, err := h.svc.EndTrip(r.Context(), tripParam(r), userID(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, trip, start)
}

// Members handles GET /api/v1/trips/{id}/members.
func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tripID := tripParam(r)
	if _, err := h.svc.Authorize(r.Context(), tripID, userID(r), authz.ObjTrip, authz.ActView); err != nil {
		respondServiceError(w, r, err)
		return
	}
	members, err := h.svc.ActiveMembers(r.Context(), tripID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, members, start)
}

// Leave handles POST /api/v1/trips/{id}/leave.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.svc.Leave(r.Context(), tripParam(r), userID(r)); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]bool{"left": true}, start)
}

// TransferLeader handles POST /api/v1/trips/{id}/leader.
func (h *Handler) TransferLeader(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req TransferLeaderRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body", err)
		return
	}
	if err := validation.Validate(req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	if err := h.svc.TransferLeadership(r.Context(), tripParam(r), userID(r), req.UserID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]string{"leader": req.UserID}, start)
}
