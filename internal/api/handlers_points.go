// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tomtom215/convoy/internal/database"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/validation"
)

// RecordPoints handles POST /api/v1/trips/{id}/points. Agents send live
// points one at a time and buffered ones in batches; resent points are
// accepted and not counted as inserted.
func (h *Handler) RecordPoints(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var batch models.PointBatch
	if err := decodeBody(w, r, &batch); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body", err)
		return
	}
	if err := validation.Validate(batch); err != nil {
		respondServiceError(w, r, err)
		return
	}
	inserted, err := h.svc.RecordPoints(r.Context(), tripParam(r), userID(r), batch.Points)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, models.PointSyncResult{Received: len(batch.Points), Inserted: inserted}, start)
}

// TrackPoints handles GET /api/v1/trips/{id}/points?user=&since=&until=&limit=.
func (h *Handler) TrackPoints(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := PointsQueryRequest{UserID: r.URL.Query().Get("user")}

	var err error
	if req.Since, _, err = getInt64Param(r, "since"); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "since must be epoch milliseconds", nil)
		return
	}
	if req.Until, _, err = getInt64Param(r, "until"); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "until must be epoch milliseconds", nil)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "limit must be an integer", nil)
			return
		}
	}
	if err := validation.Validate(req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	points, err := h.svc.TrackPoints(r.Context(), userID(r), database.PointQuery{
		TripID: tripParam(r),
		UserID: req.UserID,
		Since:  req.Since,
		Until:  req.Until,
		Limit:  req.Limit,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, points, start)
}
