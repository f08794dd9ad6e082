// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package api

import (
	"context"
	"net/http"
	"time"
)

// HealthStatus is the readiness report.
type HealthStatus struct {
	Status           string  `json:"status"`
	Database         bool    `json:"database"`
	NATS             *bool   `json:"nats,omitempty"`
	PresenceClients  int     `json:"presence_clients"`
	PresenceChannels int     `json:"presence_channels"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// HealthLive handles GET /api/v1/health/live. It only shows the process
// is serving.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]string{"status": "alive"}, time.Now())
}

// HealthReady handles GET /api/v1/health/ready. It answers 503 while the
// database or an enabled NATS connection is down.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st := HealthStatus{
		Status:        "healthy",
		Database:      h.db != nil && h.db.Ping(ctx) == nil,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	}
	if h.presence != nil {
		st.PresenceClients = h.presence.ClientCount()
		st.PresenceChannels = h.presence.ChannelCount()
	}
	if h.natsReady != nil {
		ok := h.natsReady()
		st.NATS = &ok
	}

	code := http.StatusOK
	if !st.Database || (st.NATS != nil && !*st.NATS) {
		st.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondSuccess(w, code, st, start)
}
