// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/convoy/internal/buffer"
	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/geo"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/mapview"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/presence"
	"github.com/tomtom215/convoy/internal/status"
	"github.com/tomtom215/convoy/internal/storage"
	"github.com/tomtom215/convoy/internal/supervisor"
	"github.com/tomtom215/convoy/internal/supervisor/services"
	"github.com/tomtom215/convoy/internal/tracker"
)

// finalizeTimeout bounds the flush and leave after tracking stops.
const finalizeTimeout = 10 * time.Second

type trackOptions struct {
	trip     string
	member   string
	name     string
	server   string
	token    string
	replay   string
	speed    float64
	duration time.Duration
	mapOut   string

	route       string
	destination string
	hideRoute   bool
}

func newTrackCommand(a *agent) *cobra.Command {
	var opts trackOptions
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Share this device's position with a convoy",
		Long: `Track samples the device position and shares it with the trip.
Points recorded while the server is unreachable are kept in the offline
buffer and synced when the connection returns. The run ends on SIGINT,
SIGTERM or after --duration; remaining points are flushed on the way out.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyTrackFlags(cmd, a.cfg, opts)
			return a.track(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.trip, "trip", "", "trip id (presence.trip_id)")
	f.StringVar(&opts.member, "member", "", "member id (presence.member_id)")
	f.StringVar(&opts.name, "name", "", "display name (presence.name)")
	f.StringVar(&opts.server, "server", "", "presence websocket url (presence.server_url)")
	f.StringVar(&opts.token, "token", "", "bearer token (presence.token)")
	f.StringVar(&opts.replay, "replay", "", "replay a recorded track of JSON fixes (geo.replay_file)")
	f.Float64Var(&opts.speed, "speed", 1, "replay speed multiplier, 0 for no delay (geo.replay_speed)")
	f.DurationVar(&opts.duration, "duration", 0, "stop after this long")
	f.StringVar(&opts.mapOut, "map-out", "", "write the live map as GeoJSON to this file")
	f.StringVar(&opts.route, "route", "", "planned route to draw on the map (position array or GeoJSON LineString)")
	f.StringVar(&opts.destination, "destination", "", "destination as lat,lon; defaults to the end of --route")
	f.BoolVar(&opts.hideRoute, "hide-route", false, "keep the route line hidden")
	return cmd
}

// applyTrackFlags overlays explicitly set flags on the loaded config.
func applyTrackFlags(cmd *cobra.Command, cfg *config.Config, opts trackOptions) {
	set := func(name string, fn func()) {
		if cmd.Flags().Changed(name) {
			fn()
		}
	}
	set("trip", func() { cfg.Presence.TripID = opts.trip })
	set("member", func() { cfg.Presence.MemberID = opts.member })
	set("name", func() { cfg.Presence.Name = opts.name })
	set("server", func() { cfg.Presence.ServerURL = opts.server })
	set("token", func() { cfg.Presence.Token = opts.token })
	set("replay", func() { cfg.Geo.ReplayFile = opts.replay })
	set("speed", func() { cfg.Geo.ReplaySpeed = opts.speed })
}

func (a *agent) track(ctx context.Context, out io.Writer, opts trackOptions) error {
	cfg := a.cfg
	switch {
	case cfg.Presence.TripID == "":
		return errors.New("a trip id is required (--trip or presence.trip_id)")
	case cfg.Presence.MemberID == "":
		return errors.New("a member id is required (--member or presence.member_id)")
	case cfg.Geo.ReplayFile == "":
		return errors.New("no location platform available: set --replay or geo.replay_file")
	}
	if cfg.Presence.Name == "" {
		cfg.Presence.Name = cfg.Presence.MemberID
	}

	var route []models.Position
	if opts.route != "" {
		r, err := readRoute(opts.route)
		if err != nil {
			return err
		}
		route = r
	}
	var destination *models.Position
	switch {
	case opts.destination != "":
		d, err := parseDestination(opts.destination)
		if err != nil {
			return err
		}
		destination = &d
	case len(route) > 0:
		d := route[len(route)-1]
		destination = &d
	}

	buf, err := openBuffer(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := buf.Close(); cerr != nil {
			logging.Error().Err(cerr).Msg("Failed to close offline buffer")
		}
	}()

	sink, err := tracker.NewHTTPSink(cfg.Presence.ServerURL, cfg.Presence.Token, cfg.Presence.ConnectTimeout, nil)
	if err != nil {
		return err
	}

	sampler := geo.NewSampler(geo.NewReplayFile(cfg.Geo.ReplayFile, cfg.Geo.ReplaySpeed))
	channel := presence.NewChannel(presence.ConfigFrom(cfg.Presence), presence.WithHints(func(frameType string, h models.PresenceHint) {
		logging.Info().Str("frame", frameType).Str("member", h.MemberID).Msg("Convoy membership hint")
	}))

	surface := mapview.NewGeoJSONSurface()
	renderer := mapview.NewRenderer(surface, mapview.ThresholdsFrom(cfg.Map))
	defer renderer.Close()
	if destination != nil {
		renderer.SetDestination(*destination)
	}
	if len(route) > 0 {
		renderer.SetRoute(route)
		renderer.SetRouteVisible(!opts.hideRoute)
	}

	monitor := status.NewMonitor(cfg.Status.TickInterval,
		status.OnTransition(func(tr status.Transition) {
			logging.Info().Str("member", tr.MemberID).Str("from", string(tr.From)).Str("to", string(tr.To)).Msg("Member status changed")
		}),
		status.OnEvaluate(func(ev status.Evaluation) {
			renderer.UpdateMembers(ev.Members, ev.At)
			if opts.mapOut != "" {
				if werr := writeMap(opts.mapOut, surface); werr != nil {
					logging.Warn().Err(werr).Str("path", opts.mapOut).Msg("Failed to write map")
				}
			}
		}),
	)
	unsubscribe := channel.Subscribe(monitor.Update)
	defer unsubscribe()

	trk := tracker.New(tracker.ConfigFrom(cfg.Presence, cfg.Buffer), sampler, channel, buf, sink,
		tracker.WithSyncNotices(func(n tracker.SyncNotice) {
			fmt.Fprintf(out, "Synced %d buffered points\n", n.Count)
		}))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfigFrom("convoy-agent", cfg.Supervisor))
	tree.AddStorageService(storage.GCMaintainer(buf.DB(), cfg.Buffer.GCInterval))
	tree.AddMessagingService(trk)
	tree.AddMessagingService(services.NewFuncService("status-monitor", monitor.Run))
	tree.AddMessagingService(services.NewFuncService("map-self", func(ctx context.Context) error {
		return followSelf(ctx, sampler, renderer)
	}))
	errCh := tree.ServeBackground(ctx)

	select {
	case <-trk.Ready():
	case err := <-errCh:
		return err
	}

	background, err := sampler.StartTracking(ctx, geo.ConfigFrom(cfg.Geo))
	if err != nil {
		stop()
		<-errCh
		return fmt.Errorf("start tracking: %w", err)
	}
	logging.Info().
		Str("trip", cfg.Presence.TripID).
		Str("member", cfg.Presence.MemberID).
		Bool("background", background).
		Msg("Tracking started")

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	sampler.StopTracking()

	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if _, err := trk.Flush(fctx); err != nil {
		logging.Warn().Err(err).Msg("Final sync failed; points kept in the offline buffer")
	}
	if err := trk.Leave(fctx); err != nil {
		logging.Warn().Err(err).Msg("Failed to leave convoy")
	}
	if opts.mapOut != "" {
		if err := writeMap(opts.mapOut, surface); err != nil {
			return err
		}
	}

	st := trk.Stats()
	pending, err := buf.Count(fctx, cfg.Presence.TripID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Tracking stopped: %d published, %d buffered, %d synced, %d pending\n",
		st.Published, st.Buffered, st.Synced, pending)
	return nil
}

// followSelf moves the self marker with every accepted sample.
func followSelf(ctx context.Context, sampler *geo.Sampler, renderer *mapview.Renderer) error {
	sub := sampler.Subscribe(0)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.Sample != nil {
				renderer.UpdateSelf(*ev.Sample)
			}
		}
	}
}

func openBuffer(cfg *config.Config) (*buffer.Buffer, error) {
	b, err := buffer.Open(buffer.Config{
		Store:  storage.Options{Path: cfg.Buffer.Path},
		MaxAge: cfg.Buffer.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("open offline buffer at %s: %w", cfg.Buffer.Path, err)
	}
	return b, nil
}

// writeMap replaces path with the current FeatureCollection.
func writeMap(path string, surface *mapview.GeoJSONSurface) error {
	data, err := json.MarshalIndent(surface.FeatureCollection(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".map-*.geojson")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
