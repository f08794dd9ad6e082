// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package tiles

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

const (
	// DefaultBatchSize bounds concurrent tile requests per batch.
	DefaultBatchSize = 16

	// DefaultAvgTileBytes is the per-tile size assumed by EstimateTiles.
	DefaultAvgTileBytes = 20 * 1024
)

// Progress is reported after every tile of a route-area download.
// Completed includes tiles that were already cached (Skipped).
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Percent   float64 `json:"percent"`
}

// Done reports whether every tile has been attempted.
func (p Progress) Done() bool {
	return p.Completed+p.Failed >= p.Total
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	URLTemplate  string
	AccessToken  string
	BatchSize    int
	AvgTileBytes int64
	Defaults     Options
}

// ManagerConfigFrom reads manager settings from config.
func ManagerConfigFrom(cfg config.TilesConfig) ManagerConfig {
	return ManagerConfig{
		URLTemplate:  cfg.URLTemplate,
		AccessToken:  cfg.AccessToken,
		BatchSize:    cfg.BatchSize,
		AvgTileBytes: cfg.AvgTileBytes,
		Defaults:     OptionsFrom(cfg),
	}
}

// Manager precomputes and downloads the tiles for a route corridor.
type Manager struct {
	cache Cache
	cfg   ManagerConfig
}

// NewManager creates a Manager over cache.
func NewManager(cache Cache, cfg ManagerConfig) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.AvgTileBytes <= 0 {
		cfg.AvgTileBytes = DefaultAvgTileBytes
	}
	if cfg.Defaults == (Options{}) {
		cfg.Defaults = DefaultOptions()
	}
	return &Manager{cache: cache, cfg: cfg}
}

// Cache returns the backend in use.
func (m *Manager) Cache() Cache { return m.cache }

// Defaults returns the configured route options.
func (m *Manager) Defaults() Options { return m.cfg.Defaults }

// TileURL returns the upstream URL for c, including the access token.
func (m *Manager) TileURL(c models.TileCoordinate) string {
	return TileURL(m.cfg.URLTemplate, m.cfg.AccessToken, c)
}

// EstimateTiles previews a download. It touches neither network nor cache.
func (m *Manager) EstimateTiles(route []models.Position, opts Options) (models.TileEstimate, error) {
	total, perZoom, err := CountTiles(route, opts)
	if err != nil {
		return models.TileEstimate{}, err
	}
	bb, _ := RouteBounds(route, opts.PaddingKm)
	return models.TileEstimate{
		Tiles:          total,
		EstimatedBytes: int64(total) * m.cfg.AvgTileBytes,
		PerZoom:        perZoom,
		Bounds:         bb,
	}, nil
}

// DownloadRouteArea fetches every tile of the route corridor not already
// cached. Tiles are fetched in batches of BatchSize; a failed tile is
// counted and the download continues. progress, when non-nil, is called
// after every tile and never concurrently. The returned Progress is the
// final tally; the error is non-nil only for invalid input or when ctx is
// canceled.
func (m *Manager) DownloadRouteArea(ctx context.Context, route []models.Position, opts Options, progress func(Progress)) (Progress, error) {
	tiles, err := RouteTiles(route, opts)
	if err != nil {
		return Progress{}, err
	}

	var (
		mu    sync.Mutex
		state = Progress{Total: len(tiles)}
	)
	if state.Total == 0 {
		state.Percent = 100
	}
	record := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case "skipped":
			state.Skipped++
			state.Completed++
		case "downloaded":
			state.Completed++
		case "failed":
			state.Failed++
		}
		state.Percent = float64(state.Completed) / float64(state.Total) * 100
		metrics.TileDownloads.WithLabelValues(outcome).Inc()
		if progress != nil {
			progress(state)
		}
	}

	start := time.Now()
	logging.Info().
		Int("tiles", len(tiles)).
		Int("min_zoom", opts.MinZoom).
		Int("max_zoom", opts.MaxZoom).
		Float64("padding_km", opts.PaddingKm).
		Str("backend", m.cache.Name()).
		Msg("Route area download started")

	for i := 0; i < len(tiles); i += m.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return m.snapshot(&mu, &state), err
		}
		end := min(i+m.cfg.BatchSize, len(tiles))

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range tiles[i:end] {
			g.Go(func() error {
				record(m.downloadTile(gctx, c))
				return nil
			})
		}
		_ = g.Wait()
	}

	final := m.snapshot(&mu, &state)
	logging.Info().
		Int("completed", final.Completed).
		Int("skipped", final.Skipped).
		Int("failed", final.Failed).
		Dur("duration", time.Since(start)).
		Msg("Route area download finished")
	if err := ctx.Err(); err != nil {
		return final, err
	}
	return final, nil
}

func (m *Manager) snapshot(mu *sync.Mutex, p *Progress) Progress {
	mu.Lock()
	defer mu.Unlock()
	return *p
}

// downloadTile checks the cache before fetching and returns the outcome label.
func (m *Manager) downloadTile(ctx context.Context, c models.TileCoordinate) string {
	u := m.TileURL(c)
	cached, err := m.cache.Has(ctx, u)
	if err == nil && cached {
		return "skipped"
	}
	if _, err := m.cache.Fetch(ctx, u); err != nil {
		logging.Debug().Err(err).Str("tile", c.String()).Msg("Tile download failed")
		return "failed"
	}
	return "downloaded"
}

// CheckCacheStatus reports how many tiles of the route corridor are cached.
func (m *Manager) CheckCacheStatus(ctx context.Context, route []models.Position, opts Options) (models.TileCacheStatus, error) {
	tiles, err := RouteTiles(route, opts)
	if err != nil {
		return models.TileCacheStatus{}, err
	}
	st := models.TileCacheStatus{Total: len(tiles)}
	for _, c := range tiles {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		ok, err := m.cache.Has(ctx, m.TileURL(c))
		if err != nil {
			return st, err
		}
		if ok {
			st.Cached++
		}
	}
	if st.Total > 0 {
		st.Percent = float64(st.Cached) / float64(st.Total) * 100
	}
	return st, nil
}

// ClearCache removes every cached tile.
func (m *Manager) ClearCache(ctx context.Context) error {
	return m.cache.Clear(ctx)
}

// GetCacheSize returns current cache occupancy.
func (m *Manager) GetCacheSize(ctx context.Context) (Usage, error) {
	return m.cache.Size(ctx)
}
