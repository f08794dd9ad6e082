// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package command

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/storage"
	"github.com/tomtom215/convoy/internal/tiles"
)

type routeFlags struct {
	route     string
	minZoom   int
	maxZoom   int
	paddingKm float64
}

func (r *routeFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&r.route, "route", "", "route file: JSON positions or a GeoJSON LineString")
	f.IntVar(&r.minZoom, "min-zoom", 0, "lowest zoom (default tiles.min_zoom)")
	f.IntVar(&r.maxZoom, "max-zoom", 0, "highest zoom (default tiles.max_zoom)")
	f.Float64Var(&r.paddingKm, "padding-km", 0, "corridor padding around the route (default tiles.padding_km)")
	_ = cmd.MarkFlagRequired("route")
}

// options overlays explicitly set flags on the manager defaults.
func (r *routeFlags) options(cmd *cobra.Command, defaults tiles.Options) tiles.Options {
	opts := defaults
	if cmd.Flags().Changed("min-zoom") {
		opts.MinZoom = r.minZoom
	}
	if cmd.Flags().Changed("max-zoom") {
		opts.MaxZoom = r.maxZoom
	}
	if cmd.Flags().Changed("padding-km") {
		opts.PaddingKm = r.paddingKm
	}
	return opts
}

func newTilesCommand(a *agent) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiles",
		Short: "Prepare map tiles for offline use",
	}

	var est routeFlags
	estimate := &cobra.Command{
		Use:   "estimate",
		Short: "Count the tiles and bytes a route corridor needs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTiles(func(m *tiles.Manager) error {
				route, err := readRoute(est.route)
				if err != nil {
					return err
				}
				e, err := m.EstimateTiles(route, est.options(cmd, m.Defaults()))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
	est.register(estimate)

	var dl routeFlags
	download := &cobra.Command{
		Use:   "download",
		Short: "Download every tile of a route corridor into the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTiles(func(m *tiles.Manager) error {
				route, err := readRoute(dl.route)
				if err != nil {
					return err
				}
				p, err := m.DownloadRouteArea(cmd.Context(), route, dl.options(cmd, m.Defaults()), progressPrinter(cmd.ErrOrStderr()))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	dl.register(download)

	var st routeFlags
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report how much of a route corridor is cached",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTiles(func(m *tiles.Manager) error {
				route, err := readRoute(st.route)
				if err != nil {
					return err
				}
				s, err := m.CheckCacheStatus(cmd.Context(), route, st.options(cmd, m.Defaults()))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
	st.register(statusCmd)

	size := &cobra.Command{
		Use:   "size",
		Short: "Report the tile cache size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTiles(func(m *tiles.Manager) error {
				u, err := m.GetCacheSize(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), u)
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached tile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTiles(func(m *tiles.Manager) error {
				if err := m.ClearCache(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Tile cache cleared")
				return nil
			})
		},
	}

	cmd.AddCommand(estimate, download, statusCmd, size, clearCmd)
	return cmd
}

// withTiles opens the tile store for the duration of fn. The agent builds
// its own HTTP client for tile traffic, so the proxy backend is available.
func (a *agent) withTiles(fn func(*tiles.Manager) error) (err error) {
	tc := a.cfg.Tiles
	store, err := tiles.OpenStore(storage.Options{Path: tc.StorePath, Compression: true}, tc.MaxAge)
	if err != nil {
		return fmt.Errorf("open tile store at %s: %w", tc.StorePath, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	cache, err := tiles.NewCache(tc.Backend, tiles.Capabilities{Intercept: true}, store, tiles.NewFetcher(tiles.FetcherConfigFrom(tc), nil))
	if err != nil {
		return err
	}
	logging.Debug().Str("backend", cache.Name()).Str("path", tc.StorePath).Msg("Tile cache opened")
	return fn(tiles.NewManager(cache, tiles.ManagerConfigFrom(tc)))
}

// progressPrinter reports every tenth of a download.
func progressPrinter(w io.Writer) func(tiles.Progress) {
	next := 0.0
	return func(p tiles.Progress) {
		if p.Percent < next && !p.Done() {
			return
		}
		fmt.Fprintf(w, "%5.1f%%  %d/%d tiles (%d cached, %d failed)\n", p.Percent, p.Completed, p.Total, p.Skipped, p.Failed)
		for next <= p.Percent {
			next += 10
		}
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

