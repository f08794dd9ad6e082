// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package geo samples device location and turns raw platform fixes into
// normalized LocationSamples.
//
// A Sampler picks between a foreground watch and a background-capable watch
// depending on what the platform supports and what the user allowed.
// Samples and errors are delivered on a dispatcher goroutine, so a slow
// consumer never blocks the platform watch; when the queue is full samples
// are dropped and counted.
package geo

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// DefaultDistanceFilter is the minimum movement in meters between background samples.
const DefaultDistanceFilter = 30.0

// defaultQueueSize bounds the dispatcher queue.
const defaultQueueSize = 64

// Config configures one tracking session.
type Config struct {
	DistanceFilter   float64
	Background       bool
	HighAccuracy     bool
	RationaleTitle   string
	RationaleMessage string

	OnPosition func(models.LocationSample)
	OnError    func(error)

	// SettingsOpener is invoked once when permission is denied so the user
	// can grant access.
	SettingsOpener func() error

	QueueSize int
}

// ConfigFrom builds a session Config from the loaded geo settings.
func ConfigFrom(c config.GeoConfig) Config {
	return Config{
		DistanceFilter:   c.DistanceFilterMeters,
		Background:       c.Background,
		HighAccuracy:     true,
		RationaleTitle:   c.RationaleTitle,
		RationaleMessage: c.RationaleMessage,
	}
}

// Event is one item on a Subscription: either a sample or an error.
type Event struct {
	Sample *models.LocationSample
	Err    error
}

// Subscription is a cancellable stream of sampler events.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	cancel func()
	once   sync.Once
}

// Cancel stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type session struct {
	id      uint64
	backend Backend
	cfg     Config
	queue   chan Event
	done    chan struct{}
	stop    sync.Once
}

// Sampler owns at most one running platform watch.
type Sampler struct {
	platform Platform

	mu      sync.Mutex
	current *session
	nextID  uint64

	subMu   sync.RWMutex
	subs    map[uint64]*Subscription
	nextSub uint64
}

// NewSampler creates a Sampler over the given platform.
func NewSampler(p Platform) *Sampler {
	return &Sampler{
		platform: p,
		subs:     make(map[uint64]*Subscription),
	}
}

// StartTracking starts a watch with cfg, replacing any running one. It
// returns false with a *PermissionError when access is denied; the settings
// opener has been invoked by then and nothing is retried.
func (s *Sampler) StartTracking(ctx context.Context, cfg Config) (bool, error) {
	if cfg.DistanceFilter < 0 {
		return false, fmt.Errorf("distance filter must not be negative: %v", cfg.DistanceFilter)
	}
	if cfg.Background && (cfg.RationaleTitle == "" || cfg.RationaleMessage == "") {
		return false, ErrMissingRationale
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	s.StopTracking()

	wantBackground := cfg.Background && s.platform.SupportsBackground()
	perm, err := s.platform.RequestPermission(ctx, wantBackground)
	if err == nil && perm == PermissionDenied {
		err = ErrPermissionDenied
	}
	if err != nil {
		return false, s.failStart(cfg, classify("permission", err))
	}

	opts := WatchOptions{
		HighAccuracy:     cfg.HighAccuracy,
		DistanceFilter:   cfg.DistanceFilter,
		RationaleTitle:   cfg.RationaleTitle,
		RationaleMessage: cfg.RationaleMessage,
	}
	var backend Backend
	if wantBackground && perm == PermissionBackground {
		bb, berr := NewBackgroundBackend(s.platform, opts)
		if berr != nil {
			return false, berr
		}
		backend = bb
	} else {
		backend = NewForegroundBackend(s.platform, opts)
	}

	s.mu.Lock()
	s.nextID++
	sess := &session{
		id:      s.nextID,
		backend: backend,
		cfg:     cfg,
		queue:   make(chan Event, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	s.current = sess
	s.mu.Unlock()

	go s.dispatch(sess)

	if err := backend.Start(ctx, s.emitter(sess), s.failer(sess)); err != nil {
		s.mu.Lock()
		if s.current == sess {
			s.current = nil
		}
		s.mu.Unlock()
		s.stopSession(sess)
		return false, s.failStart(cfg, classify(backend.Name(), err))
	}

	logging.Info().
		Str("backend", backend.Name()).
		Str("permission", perm.String()).
		Float64("distance_filter_m", cfg.DistanceFilter).
		Msg("Location tracking started")
	return true, nil
}

// StopTracking tears down the running watch, whichever backend it uses.
// Calling it twice, or before StartTracking, is a no-op.
func (s *Sampler) StopTracking() {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()
	if sess != nil {
		s.stopSession(sess)
		logging.Info().Str("backend", sess.backend.Name()).Msg("Location tracking stopped")
	}
}

// Active reports whether a watch is running.
func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// BackendName returns the running backend's name, or "".
func (s *Sampler) BackendName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.backend.Name()
}

// Subscribe returns a stream of samples and errors. A subscriber that falls
// more than buffer events behind loses samples rather than stalling others.
func (s *Sampler) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultQueueSize
	}
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		s.subMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subMu.Unlock()
	}
	s.subs[id] = sub
	s.subMu.Unlock()
	return sub
}

func (s *Sampler) stopSession(sess *session) {
	sess.stop.Do(func() {
		sess.backend.Stop()
		close(sess.done)
	})
}

func (s *Sampler) failStart(cfg Config, err error) error {
	s.report(cfg, err)
	if IsPermission(err) {
		s.openSettings(cfg)
	}
	return err
}

func (s *Sampler) report(cfg Config, err error) {
	kind := "transient"
	if IsPermission(err) {
		kind = "permission"
	}
	metrics.GeoErrors.WithLabelValues(kind).Inc()
	logging.Warn().Err(err).Str("kind", kind).Msg("Location error")
	if cfg.OnError != nil {
		cfg.OnError(err)
	}
	s.fanout(Event{Err: err})
}

func (s *Sampler) openSettings(cfg Config) {
	if cfg.SettingsOpener == nil {
		return
	}
	if err := cfg.SettingsOpener(); err != nil {
		logging.Warn().Err(err).Msg("Failed to open location settings")
	}
}

func (s *Sampler) emitter(sess *session) func(models.LocationSample) {
	return func(sample models.LocationSample) {
		s.enqueue(sess, Event{Sample: &sample})
	}
}

// failer handles errors raised by a running watch. Permission loss ends the
// session; anything else is reported and the watch keeps going.
func (s *Sampler) failer(sess *session) func(error) {
	return func(err error) {
		err = classify(sess.backend.Name(), err)
		s.enqueue(sess, Event{Err: err})
		if IsPermission(err) {
			go s.endSession(sess)
		}
	}
}

// endSession stops sess if it is still current. Runs off the platform's
// callback goroutine so the watch can be stopped from inside its own callback.
func (s *Sampler) endSession(sess *session) {
	s.mu.Lock()
	if s.current != sess {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()
	s.stopSession(sess)
	s.openSettings(sess.cfg)
	logging.Warn().Str("backend", sess.backend.Name()).Msg("Location tracking stopped: permission revoked")
}

func (s *Sampler) enqueue(sess *session, ev Event) {
	select {
	case <-sess.done:
		return
	default:
	}
	select {
	case sess.queue <- ev:
	default:
		if ev.Err != nil {
			// Errors are never dropped.
			s.report(sess.cfg, ev.Err)
			return
		}
		metrics.GeoSamplesDropped.Inc()
	}
}

func (s *Sampler) dispatch(sess *session) {
	for {
		select {
		case <-sess.done:
			return
		case ev := <-sess.queue:
			if ev.Err != nil {
				s.report(sess.cfg, ev.Err)
				continue
			}
			if sess.cfg.OnPosition != nil {
				sess.cfg.OnPosition(*ev.Sample)
			}
			s.fanout(ev)
		}
	}
}

func (s *Sampler) fanout(ev Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.GeoSamplesDropped.Inc()
		}
	}
}
