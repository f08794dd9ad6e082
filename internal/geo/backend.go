// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package geo

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// Backend names.
const (
	BackendForeground = "foreground"
	BackendBackground = "background"
)

// Backend is one way of watching the device location.
type Backend interface {
	Name() string
	Start(ctx context.Context, emit func(models.LocationSample), fail func(error)) error
	Stop()
}

// normalize converts a raw fix into a LocationSample. Speed is converted
// from m/s to km/h; negative fields mean unknown.
func normalize(f Fix) models.LocationSample {
	var heading, speed, accuracy *float64
	if f.Heading >= 0 {
		heading = models.Float(f.Heading)
	}
	if f.SpeedMps >= 0 {
		speed = models.Float(f.SpeedMps * 3.6)
	}
	if f.Accuracy >= 0 {
		accuracy = models.Float(f.Accuracy)
	}
	ts := f.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.NewLocationSample(models.Position{Lon: f.Lon, Lat: f.Lat}, heading, speed, accuracy, ts)
}

// watchBackend holds the teardown logic shared by both backends.
type watchBackend struct {
	name     string
	platform Platform
	opts     WatchOptions

	mu    sync.Mutex
	watch Watch
}

func (b *watchBackend) Name() string { return b.name }

// Stop tears the platform watch down. Safe to call repeatedly.
func (b *watchBackend) Stop() {
	b.mu.Lock()
	w := b.watch
	b.watch = nil
	b.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

func (b *watchBackend) setWatch(w Watch) {
	b.mu.Lock()
	b.watch = w
	b.mu.Unlock()
}

// ForegroundBackend watches location while the process is in the foreground.
// It is always available and passes every fix through.
type ForegroundBackend struct {
	watchBackend
}

// NewForegroundBackend creates a foreground backend.
func NewForegroundBackend(p Platform, opts WatchOptions) *ForegroundBackend {
	return &ForegroundBackend{watchBackend{name: BackendForeground, platform: p, opts: opts}}
}

// Start begins watching.
func (b *ForegroundBackend) Start(ctx context.Context, emit func(models.LocationSample), fail func(error)) error {
	w, err := b.platform.WatchForeground(ctx, b.opts, func(f Fix) {
		metrics.GeoSamples.WithLabelValues(b.name, "emitted").Inc()
		emit(normalize(f))
	}, fail)
	if err != nil {
		return err
	}
	b.setWatch(w)
	return nil
}

// BackgroundBackend keeps watching while the process is backgrounded and
// enforces the distance filter itself, whatever the platform does natively.
type BackgroundBackend struct {
	watchBackend

	fmu    sync.Mutex
	filter distanceFilter
}

// NewBackgroundBackend creates a background backend. Rationale strings in
// opts are required.
func NewBackgroundBackend(p Platform, opts WatchOptions) (*BackgroundBackend, error) {
	if opts.RationaleTitle == "" || opts.RationaleMessage == "" {
		return nil, ErrMissingRationale
	}
	return &BackgroundBackend{
		watchBackend: watchBackend{name: BackendBackground, platform: p, opts: opts},
		filter:       distanceFilter{minMeters: opts.DistanceFilter},
	}, nil
}

// Start begins watching.
func (b *BackgroundBackend) Start(ctx context.Context, emit func(models.LocationSample), fail func(error)) error {
	w, err := b.platform.WatchBackground(ctx, b.opts, func(f Fix) {
		s := normalize(f)
		b.fmu.Lock()
		ok := b.filter.allow(s.Position)
		b.fmu.Unlock()
		if !ok {
			metrics.GeoSamples.WithLabelValues(b.name, "filtered").Inc()
			return
		}
		metrics.GeoSamples.WithLabelValues(b.name, "emitted").Inc()
		emit(s)
	}, fail)
	if err != nil {
		return err
	}
	b.setWatch(w)
	return nil
}
