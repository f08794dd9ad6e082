// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package membership

import (
	"context"
	"fmt"

	"github.com/tomtom215/convoy/internal/authz"
	"github.com/tomtom215/convoy/internal/database"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/validation"
)

// MaxPointsPerBatch bounds a single sync request.
const MaxPointsPerBatch = 5000

// ErrBatchTooLarge is returned when a sync batch exceeds MaxPointsPerBatch.
var ErrBatchTooLarge = fmt.Errorf("point batch larger than %d", MaxPointsPerBatch)

// RecordPoints stores samples recorded by userID during tripID and returns
// how many were new. Every sample is validated before anything is written.
func (s *Service) RecordPoints(ctx context.Context, tripID, userID string, samples []models.LocationSample) (int, error) {
	if len(samples) > MaxPointsPerBatch {
		return 0, ErrBatchTooLarge
	}
	if _, err := s.Authorize(ctx, tripID, userID, authz.ObjPoints, authz.ActWrite); err != nil {
		return 0, err
	}
	points := make([]models.TrackPoint, 0, len(samples))
	for i, sample := range samples {
		if err := validation.Validate(sample); err != nil {
			return 0, fmt.Errorf("point %d: %w", i, err)
		}
		points = append(points, models.TrackPoint{TripID: tripID, UserID: userID, LocationSample: sample})
	}
	return s.store.InsertPoints(ctx, points)
}

// TrackPoints returns stored points of a trip visible to requesterID.
func (s *Service) TrackPoints(ctx context.Context, requesterID string, q database.PointQuery) ([]models.TrackPoint, error) {
	if _, err := s.Authorize(ctx, q.TripID, requesterID, authz.ObjTrip, authz.ActView); err != nil {
		return nil, err
	}
	return s.store.QueryPoints(ctx, q)
}
