// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// CreateInvite handles POST /api/v1/trips/{id}/invites (leader only).
func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	invite, err := h.svc.CreateInvite(r.Context(), tripParam(r), userID(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusCreated, invite, start)
}

// ListInvites handles GET /api/v1/trips/{id}/invites (leader only).
func (h *Handler) ListInvites(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	invites, err := h.svc.ListInvites(r.Context(), tripParam(r), userID(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, invites, start)
}

// AcceptInvite handles POST /api/v1/invites/{code}/accept. An expired code
// answers 410 and leaves the invite pending.
func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	member, err := h.svc.AcceptInvite(r.Context(), chi.URLParam(r, "code"), userID(r), h.now())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, member, start)
}

// DeclineInvite handles POST /api/v1/invites/{code}/decline.
func (h *Handler) DeclineInvite(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	invite, err := h.svc.DeclineInvite(r.Context(), chi.URLParam(r, "code"), userID(r), h.now())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, http.StatusOK, invite, start)
}
