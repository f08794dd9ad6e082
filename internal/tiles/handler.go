// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package tiles

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/models"
)

// Handler serves /tiles/{z}/{x}/{y} from the cache, fetching upstream on a miss.
type Handler struct {
	manager *Manager
}

// NewHandler creates a tile handler for manager.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// ServeHTTP expects chi URL params z, x and y. A trailing extension on y
// (e.g. "12.png") is ignored.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, ok := parseTile(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if !ok {
		http.Error(w, "invalid tile coordinate", http.StatusBadRequest)
		return
	}

	entry, err := h.manager.Cache().Fetch(r.Context(), h.manager.TileURL(c))
	if err != nil {
		var se *StatusError
		switch {
		case errors.As(err, &se):
			http.Error(w, http.StatusText(se.Code), se.Code)
		case errors.Is(err, ErrBreakerOpen):
			w.Header().Set("Retry-After", "30")
			http.Error(w, "tile upstream unavailable", http.StatusServiceUnavailable)
		case r.Context().Err() != nil:
			// Client went away.
		default:
			logging.Ctx(r.Context()).Warn().Err(err).Str("tile", c.String()).Msg("Tile fetch failed")
			http.Error(w, "tile fetch failed", http.StatusBadGateway)
		}
		return
	}

	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Body)
}

func parseTile(zs, xs, ys string) (models.TileCoordinate, bool) {
	if i := strings.IndexByte(ys, '.'); i >= 0 {
		ys = ys[:i]
	}
	z, errZ := strconv.Atoi(zs)
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	if errZ != nil || errX != nil || errY != nil {
		return models.TileCoordinate{}, false
	}
	if z < 0 || z > MaxZoom {
		return models.TileCoordinate{}, false
	}
	n := 1 << uint(z)
	if x < 0 || x >= n || y < 0 || y >= n {
		return models.TileCoordinate{}, false
	}
	return models.TileCoordinate{X: x, Y: y, Z: z}, true
}
