// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package api

import (
	"errors"
	"net/http"

	"github.com/tomtom215/convoy/internal/auth"
	"github.com/tomtom215/convoy/internal/membership"
	"github.com/tomtom215/convoy/internal/validation"
)

// errorMapping ties a domain sentinel to its HTTP status and code.
type errorMapping struct {
	err    error
	status int
	code   string
}

var domainErrors = []errorMapping{
	{membership.ErrTripNotFound, http.StatusNotFound, ErrCodeNotFound},
	{membership.ErrInviteNotFound, http.StatusNotFound, ErrCodeNotFound},
	{membership.ErrInviteExpired, http.StatusGone, ErrCodeGone},
	{membership.ErrInviteNotPending, http.StatusConflict, ErrCodeConflict},
	{membership.ErrAlreadyMember, http.StatusConflict, ErrCodeConflict},
	{membership.ErrTripState, http.StatusConflict, ErrCodeConflict},
	{membership.ErrNotLeader, http.StatusForbidden, ErrCodeForbidden},
	{membership.ErrNotMember, http.StatusForbidden, ErrCodeForbidden},
	{membership.ErrBatchTooLarge, http.StatusRequestEntityTooLarge, ErrCodeTooLarge},
	{auth.ErrMissingToken, http.StatusUnauthorized, ErrCodeUnauthorized},
	{auth.ErrInvalidToken, http.StatusUnauthorized, ErrCodeUnauthorized},
}

// respondServiceError maps err onto the API error contract. Domain errors
// keep their human-readable message; anything unknown is a 500 with a
// generic one.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.RequestValidationError
	if errors.As(err, &verr) {
		apiErr := verr.ToAPIError()
		respondErrorDetails(w, r, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details, nil)
		return
	}
	for _, m := range domainErrors {
		if errors.Is(err, m.err) {
			respondError(w, r, m.status, m.code, m.err.Error(), nil)
			return
		}
	}
	respondError(w, r, http.StatusInternalServerError, ErrCodeInternal, "An internal error occurred", err)
}

// unauthorized is the auth middleware's 401 writer.
func unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	msg := "Authentication required"
	if errors.Is(err, auth.ErrInvalidToken) {
		msg = "Invalid or expired token"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="convoy"`)
	respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, msg, nil)
}

// rateLimited is httprate's limit handler.
func rateLimited(w http.ResponseWriter, r *http.Request) {
	respondError(w, r, http.StatusTooManyRequests, ErrCodeRateLimited, "Too many requests", nil)
}
