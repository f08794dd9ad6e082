// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package api

// Request bodies and query parameters are validated with go-playground/validator
// tags before they reach the membership service.

// TransferLeaderRequest is the body of POST /trips/{id}/leader.
type TransferLeaderRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

// PointsQueryRequest is the query of GET /trips/{id}/points. Since and
// Until are epoch milliseconds.
type PointsQueryRequest struct {
	UserID string `validate:"omitempty,max=64"`
	Since  int64  `validate:"gte=0"`
	Until  int64  `validate:"omitempty,gtefield=Since"`
	Limit  int    `validate:"gte=0,lte=10000"`
}
