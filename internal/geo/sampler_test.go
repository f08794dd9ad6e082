// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package geo

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func backgroundConfig() Config {
	return Config{
		DistanceFilter:   DefaultDistanceFilter,
		Background:       true,
		RationaleTitle:   "Sharing location",
		RationaleMessage: "Your convoy sees where you are",
	}
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sampler event")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHaversineMeters(t *testing.T) {
	t.Parallel()

	// One degree of latitude is ~111.2 km.
	d := HaversineMeters(models.Position{Lon: 0, Lat: 0}, models.Position{Lon: 0, Lat: 1})
	if math.Abs(d-111195) > 100 {
		t.Errorf("HaversineMeters() = %v, want ~111195", d)
	}
	if HaversineMeters(models.Position{Lon: 5, Lat: 5}, models.Position{Lon: 5, Lat: 5}) != 0 {
		t.Error("distance to self should be zero")
	}
}

func TestNormalizeConvertsSpeedAndUnknowns(t *testing.T) {
	t.Parallel()

	s := normalize(Fix{Lat: 1, Lon: 2, Heading: -1, SpeedMps: 10, Accuracy: -1, Time: time.UnixMilli(42)})
	if s.Heading != nil || s.Accuracy != nil {
		t.Errorf("negative heading/accuracy should be absent: %+v", s)
	}
	if s.Speed == nil || math.Abs(*s.Speed-36) > 1e-9 {
		t.Errorf("speed = %v, want 36 km/h", s.Speed)
	}
	if s.Timestamp != 42 || s.Position.Lat != 1 || s.Position.Lon != 2 {
		t.Errorf("sample = %+v", s)
	}
}

func TestBackgroundBackendSelectedAndFiltersDistance(t *testing.T) {
	p := NewManualPlatform(PermissionBackground, true)
	s := NewSampler(p)
	sub := s.Subscribe(16)
	defer sub.Cancel()

	ok, err := s.StartTracking(context.Background(), backgroundConfig())
	if !ok || err != nil {
		t.Fatalf("StartTracking() = %v, %v", ok, err)
	}
	if got := s.BackendName(); got != BackendBackground {
		t.Fatalf("backend = %q, want background", got)
	}

	base := Fix{Lat: 45, Lon: 7, Heading: -1, SpeedMps: -1, Accuracy: 5, Time: time.UnixMilli(1000)}
	p.Emit(base)
	first := nextEvent(t, sub)
	if first.Sample == nil {
		t.Fatalf("expected first sample, got %+v", first)
	}

	// ~11 m north: inside the 30 m filter.
	near := base
	near.Lat += 0.0001
	p.Emit(near)
	expectNoEvent(t, sub)

	// ~55 m north of the first fix.
	far := base
	far.Lat += 0.0005
	p.Emit(far)
	if ev := nextEvent(t, sub); ev.Sample == nil || ev.Sample.Position.Lat != far.Lat {
		t.Fatalf("expected far sample, got %+v", ev)
	}

	s.StopTracking()
	if p.OpenWatches() != 0 {
		t.Errorf("watch leaked after StopTracking: %d open", p.OpenWatches())
	}
}

func TestForegroundFallbackWithoutBackgroundSupport(t *testing.T) {
	p := NewManualPlatform(PermissionForeground, false)
	s := NewSampler(p)
	sub := s.Subscribe(16)
	defer sub.Cancel()

	if ok, err := s.StartTracking(context.Background(), backgroundConfig()); !ok || err != nil {
		t.Fatalf("StartTracking() = %v, %v", ok, err)
	}
	if got := s.BackendName(); got != BackendForeground {
		t.Fatalf("backend = %q, want foreground", got)
	}

	// The foreground watch does not apply the distance filter.
	fix := Fix{Lat: 45, Lon: 7, Time: time.UnixMilli(1)}
	p.Emit(fix)
	p.Emit(fix)
	nextEvent(t, sub)
	nextEvent(t, sub)
	s.StopTracking()
}

func TestPermissionDeniedIsTerminalAndOpensSettings(t *testing.T) {
	p := NewManualPlatform(PermissionDenied, true)
	s := NewSampler(p)

	var opened int
	var reported []error
	cfg := backgroundConfig()
	cfg.SettingsOpener = func() error { opened++; return nil }
	cfg.OnError = func(err error) { reported = append(reported, err) }

	ok, err := s.StartTracking(context.Background(), cfg)
	if ok {
		t.Fatal("StartTracking should fail when permission is denied")
	}
	if !IsPermission(err) {
		t.Fatalf("error = %v, want PermissionError", err)
	}
	if !strings.Contains(err.Error(), "settings") {
		t.Errorf("permission error should point to settings: %q", err)
	}
	if opened != 1 {
		t.Errorf("settings opener called %d times, want 1", opened)
	}
	if len(reported) != 1 {
		t.Errorf("OnError called %d times, want 1", len(reported))
	}
	if s.Active() || p.OpenWatches() != 0 {
		t.Error("no watch should be running after a permission denial")
	}
	if p.PermissionRequests() != 1 {
		t.Errorf("permission requested %d times; denial must not be retried", p.PermissionRequests())
	}
}

func TestTransientErrorKeepsWatching(t *testing.T) {
	p := NewManualPlatform(PermissionForeground, false)
	s := NewSampler(p)
	sub := s.Subscribe(16)
	defer sub.Cancel()

	if ok, err := s.StartTracking(context.Background(), Config{}); !ok || err != nil {
		t.Fatalf("StartTracking() = %v, %v", ok, err)
	}
	p.Fail(errors.New("no satellites"))

	ev := nextEvent(t, sub)
	var te *TransientError
	if !errors.As(ev.Err, &te) {
		t.Fatalf("event error = %v, want TransientError", ev.Err)
	}
	if !s.Active() || p.OpenWatches() != 1 {
		t.Fatal("transient error must not tear down the watch")
	}

	p.Emit(Fix{Lat: 1, Lon: 1, Time: time.UnixMilli(5)})
	if ev := nextEvent(t, sub); ev.Sample == nil {
		t.Fatalf("expected sample after transient error, got %+v", ev)
	}
	s.StopTracking()
}

func TestPermissionRevokedWhileWatching(t *testing.T) {
	p := NewManualPlatform(PermissionForeground, false)
	s := NewSampler(p)

	var mu sync.Mutex
	opened := 0
	cfg := Config{SettingsOpener: func() error { mu.Lock(); opened++; mu.Unlock(); return nil }}
	if ok, err := s.StartTracking(context.Background(), cfg); !ok || err != nil {
		t.Fatalf("StartTracking() = %v, %v", ok, err)
	}

	p.Fail(ErrPermissionDenied)

	deadline := time.Now().Add(2 * time.Second)
	for s.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Active() || p.OpenWatches() != 0 {
		t.Fatal("permission loss should end tracking and release the watch")
	}
	mu.Lock()
	defer mu.Unlock()
	if opened != 1 {
		t.Errorf("settings opener called %d times, want 1", opened)
	}
}

func TestStopTrackingIdempotent(t *testing.T) {
	p := NewManualPlatform(PermissionBackground, true)
	s := NewSampler(p)

	s.StopTracking() // never started

	if ok, err := s.StartTracking(context.Background(), backgroundConfig()); !ok || err != nil {
		t.Fatalf("StartTracking() = %v, %v", ok, err)
	}
	// Restarting replaces the old watch instead of leaking it.
	if ok, err := s.StartTracking(context.Background(), Config{}); !ok || err != nil {
		t.Fatalf("restart = %v, %v", ok, err)
	}
	if p.OpenWatches() != 1 {
		t.Fatalf("open watches after restart = %d, want 1", p.OpenWatches())
	}
	s.StopTracking()
	s.StopTracking()
	if p.OpenWatches() != 0 {
		t.Errorf("open watches = %d, want 0", p.OpenWatches())
	}
}

func TestBackgroundRequiresRationale(t *testing.T) {
	t.Parallel()

	s := NewSampler(NewManualPlatform(PermissionBackground, true))
	ok, err := s.StartTracking(context.Background(), Config{Background: true})
	if ok || !errors.Is(err, ErrMissingRationale) {
		t.Fatalf("StartTracking() = %v, %v; want ErrMissingRationale", ok, err)
	}
}

func TestSubscriptionCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewSampler(NewManualPlatform(PermissionForeground, false))
	sub := s.Subscribe(1)
	sub.Cancel()
	sub.Cancel()
	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after Cancel")
	}
}

func TestReplayPlatform(t *testing.T) {
	track := strings.Join([]string{
		`{"lat":48.0,"lon":2.0,"heading":90,"speed_mps":20,"accuracy":4,"time":"2026-07-01T10:00:00Z"}`,
		`not json`,
		`{"lat":48.001,"lon":2.0,"heading":90,"speed_mps":20,"accuracy":4,"time":"2026-07-01T10:00:05Z"}`,
	}, "\n")
	s := NewSampler(NewReplayReader(strings.NewReader(track), 0))
	sub := s.Subscribe(16)
	defer sub.Cancel()

	if ok, err := s.StartTracking(context.Background(), backgroundConfig()); !ok || err != nil {
		t.Fatalf("StartTracking() = %v, %v", ok, err)
	}
	defer s.StopTracking()

	var samples, errs int
	for samples+errs < 3 {
		ev := nextEvent(t, sub)
		if ev.Err != nil {
			errs++
			continue
		}
		samples++
		if *ev.Sample.Speed != 72 {
			t.Errorf("speed = %v, want 72 km/h", *ev.Sample.Speed)
		}
	}
	if samples != 2 || errs != 1 {
		t.Errorf("samples=%d errs=%d, want 2 and 1", samples, errs)
	}
}
