// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package tracker runs the device-side location pipeline: samples from the
// geo sampler are published live while the presence channel is connected
// and buffered durably while it is not. Buffered points are synced to a
// PointSink after every reconnect and cleared only once the sink accepted
// them.
//
//	t := tracker.New(cfg, sampler, channel, buf, sink,
//		tracker.WithSyncNotices(func(n tracker.SyncNotice) {
//			logging.Info().Int("points", n.Count).Msg("Back online")
//		}))
//	err := t.Serve(ctx)
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/convoy/internal/buffer"
	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/geo"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// ErrSamplesClosed is returned by Serve when the sample stream ends.
var ErrSamplesClosed = errors.New("tracker: sample stream closed")

// SampleSource provides location samples.
type SampleSource interface {
	Subscribe(buffer int) *geo.Subscription
}

// PresenceChannel is the live presence connection.
type PresenceChannel interface {
	Join(ctx context.Context) error
	UpdatePosition(ctx context.Context, p models.ConvoyMemberPresence) error
	LeaveConvoy(ctx context.Context) error
	IsConnected() bool
	Dropped() bool
	Done() <-chan struct{}
}

// PointBuffer is the durable offline queue.
type PointBuffer interface {
	BufferPoint(ctx context.Context, tripID string, sample models.LocationSample) error
	Drain(ctx context.Context, tripID string) (*buffer.Batch, error)
	ClearDrained(ctx context.Context, batch *buffer.Batch) error
}

// PointSink receives recorded points, in timestamp order.
type PointSink interface {
	SendPoints(ctx context.Context, tripID string, samples []models.LocationSample) error
}

// SyncNotice is emitted once per successful drain-and-sync.
type SyncNotice struct {
	TripID string
	Count  int
	At     time.Time
}

// Config configures a Tracker.
type Config struct {
	TripID   string
	MemberID string
	Name     string
	Avatar   string

	// RetryInterval re-attempts a failed sync while connected.
	RetryInterval time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	// SampleBuffer is the sampler subscription depth.
	SampleBuffer int
}

// ConfigFrom builds a Config from the presence and buffer sections.
func ConfigFrom(p config.PresenceConfig, b config.BufferConfig) Config {
	return Config{
		TripID:        p.TripID,
		MemberID:      p.MemberID,
		Name:          p.Name,
		Avatar:        p.Avatar,
		RetryInterval: b.SyncRetryInterval,
		ReconnectMin:  p.ReconnectMin,
		ReconnectMax:  p.ReconnectMax,
	}
}

func (c *Config) applyDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 32 * time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	if c.SampleBuffer <= 0 {
		c.SampleBuffer = 256
	}
}

// Stats reports pipeline activity.
type Stats struct {
	Published  int64
	Buffered   int64
	Synced     int64
	SyncErrors int64
	Reconnects int64
}

// Tracker wires the sampler, presence channel, buffer and sink together.
type Tracker struct {
	cfg      Config
	source   SampleSource
	presence PresenceChannel
	buf      PointBuffer
	sink     PointSink
	onSync   func(SyncNotice)
	now      func() time.Time

	mu    sync.Mutex
	stats Stats
	last  *models.LocationSample
	// pending is set while buffered points may be waiting for a sync. New
	// samples are buffered rather than sent so the sink sees timestamp order.
	pending bool
	left    bool

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSyncNotices registers a callback for successful syncs.
func WithSyncNotices(fn func(SyncNotice)) Option {
	return func(t *Tracker) { t.onSync = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker.
func New(cfg Config, source SampleSource, presence PresenceChannel, buf PointBuffer, sink PointSink, opts ...Option) *Tracker {
	cfg.applyDefaults()
	t := &Tracker{
		cfg:      cfg,
		source:   source,
		presence: presence,
		buf:      buf,
		sink:     sink,
		now:      time.Now,
		ready:    make(chan struct{}),
		// Anything left from a previous run is synced on the first connect.
		pending: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Serve runs the pipeline until ctx ends. It implements suture.Service.
func (t *Tracker) Serve(ctx context.Context) error {
	ctx = logging.ContextWithTripID(ctx, t.cfg.TripID)
	sub := t.source.Subscribe(t.cfg.SampleBuffer)
	defer sub.Cancel()
	t.readyOnce.Do(func() { close(t.ready) })

	retry := time.NewTicker(t.cfg.RetryInterval)
	defer retry.Stop()

	backoff := t.cfg.ReconnectMin
	joinResult := make(chan error, 1)
	joining := false
	startJoin := func() {
		joining = true
		go func() { joinResult <- t.presence.Join(ctx) }()
	}

	var reconnect *time.Timer
	var reconnectC <-chan time.Time
	scheduleReconnect := func() {
		if reconnect != nil {
			reconnect.Stop()
		}
		logging.Ctx(ctx).Info().Dur("delay", backoff).Msg("Presence reconnect scheduled")
		reconnect = time.NewTimer(backoff)
		reconnectC = reconnect.C
		backoff *= 2
		if backoff > t.cfg.ReconnectMax {
			backoff = t.cfg.ReconnectMax
		}
	}
	defer func() {
		if reconnect != nil {
			reconnect.Stop()
		}
	}()

	if t.presence.IsConnected() {
		t.onConnected(ctx)
	} else {
		startJoin()
	}

	// seen is the last connection whose end was handled. Done keeps
	// returning it until the next join.
	var seen <-chan struct{}
	for {
		var done <-chan struct{}
		if !joining {
			if d := t.presence.Done(); d != seen {
				done = d
			}
		}

		select {
		case <-ctx.Done():
			t.setOnline(false)
			return ctx.Err()

		case ev, ok := <-sub.C:
			if !ok {
				return ErrSamplesClosed
			}
			if ev.Err != nil {
				logging.Ctx(ctx).Warn().Err(ev.Err).Msg("Location error")
				continue
			}
			if ev.Sample != nil {
				t.handleSample(ctx, *ev.Sample)
			}

		case err := <-joinResult:
			joining = false
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				logging.Ctx(ctx).Warn().Err(err).Msg("Presence join failed")
				scheduleReconnect()
				continue
			}
			backoff = t.cfg.ReconnectMin
			t.onConnected(ctx)

		case <-done:
			seen = done
			t.setOnline(false)
			if !t.presence.Dropped() || t.hasLeft() {
				logging.Ctx(ctx).Info().Msg("Presence closed intentionally; recording offline")
				continue
			}
			logging.Ctx(ctx).Warn().Msg("Presence connection dropped; buffering points")
			t.mu.Lock()
			t.stats.Reconnects++
			t.mu.Unlock()
			scheduleReconnect()

		case <-reconnectC:
			reconnectC = nil
			if !joining && !t.presence.IsConnected() && !t.hasLeft() {
				startJoin()
			}

		case <-retry.C:
			if t.presence.IsConnected() && t.isPending() {
				t.flush(ctx)
			}
		}
	}
}

// Ready is closed once the first Serve has subscribed to the sample
// source. Samples emitted before that are not seen.
func (t *Tracker) Ready() <-chan struct{} { return t.ready }

// Leave leaves the convoy intentionally. Recording continues into the
// buffer and no reconnect is attempted.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	t.left = true
	t.mu.Unlock()
	t.setOnline(false)
	return t.presence.LeaveConvoy(ctx)
}

// Flush syncs buffered points now if the channel is connected.
func (t *Tracker) Flush(ctx context.Context) (int, error) {
	if !t.presence.IsConnected() {
		return 0, nil
	}
	return t.flush(ctx)
}

// Stats returns a snapshot of pipeline counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// LastSample returns the most recent sample, if any.
func (t *Tracker) LastSample() (models.LocationSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return models.LocationSample{}, false
	}
	return *t.last, true
}

func (t *Tracker) String() string { return "tracker" }

func (t *Tracker) onConnected(ctx context.Context) {
	t.setOnline(true)
	if last, ok := t.LastSample(); ok {
		if err := t.presence.UpdatePosition(ctx, t.presenceFor(last)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("Presence publish after connect failed")
		}
	}
	if _, err := t.flush(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Sync after reconnect failed; points retained")
	}
}

func (t *Tracker) handleSample(ctx context.Context, s models.LocationSample) {
	t.mu.Lock()
	sample := s
	t.last = &sample
	pending := t.pending
	t.mu.Unlock()

	if !t.presence.IsConnected() {
		t.bufferSample(ctx, s)
		return
	}

	if err := t.presence.UpdatePosition(ctx, t.presenceFor(s)); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Presence publish failed")
	}
	if pending {
		t.bufferSample(ctx, s)
		return
	}
	if err := t.sink.SendPoints(ctx, t.cfg.TripID, []models.LocationSample{s}); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Point sync failed; buffering")
		t.mu.Lock()
		t.pending = true
		t.stats.SyncErrors++
		t.mu.Unlock()
		t.bufferSample(ctx, s)
		return
	}
	t.mu.Lock()
	t.stats.Published++
	t.mu.Unlock()
}

func (t *Tracker) bufferSample(ctx context.Context, s models.LocationSample) {
	if err := t.buf.BufferPoint(ctx, t.cfg.TripID, s); err != nil {
		logging.Ctx(ctx).Error().Err(err).Int64("timestamp", s.Timestamp).Msg("Failed to buffer point")
		return
	}
	t.mu.Lock()
	t.stats.Buffered++
	t.pending = true
	t.mu.Unlock()
}

// flush drains the buffer and sends it. Points are cleared only after the
// sink accepted them; on failure they stay buffered for the next attempt.
func (t *Tracker) flush(ctx context.Context) (int, error) {
	batch, err := t.buf.Drain(ctx, t.cfg.TripID)
	if err != nil {
		return 0, fmt.Errorf("drain buffer: %w", err)
	}
	if batch.Len() == 0 {
		t.mu.Lock()
		t.pending = false
		t.mu.Unlock()
		return 0, nil
	}

	if err := t.sink.SendPoints(ctx, t.cfg.TripID, batch.Samples()); err != nil {
		metrics.RecordBufferSync(batch.Len(), err)
		t.mu.Lock()
		t.stats.SyncErrors++
		t.mu.Unlock()
		return 0, fmt.Errorf("sync %d points: %w", batch.Len(), err)
	}
	metrics.RecordBufferSync(batch.Len(), nil)

	if err := t.buf.ClearDrained(ctx, batch); err != nil {
		// The sink deduplicates, so a later resend of these points is harmless.
		logging.Ctx(ctx).Warn().Err(err).Msg("Failed to clear synced points")
	}

	n := batch.Len()
	t.mu.Lock()
	t.stats.Synced += int64(n)
	t.pending = false
	t.mu.Unlock()

	logging.Ctx(ctx).Info().Int("points", n).Msg("Buffered points synced")
	if t.onSync != nil {
		t.onSync(SyncNotice{TripID: t.cfg.TripID, Count: n, At: t.now()})
	}
	return n, nil
}

func (t *Tracker) presenceFor(s models.LocationSample) models.ConvoyMemberPresence {
	return models.ConvoyMemberPresence{
		ID:         t.cfg.MemberID,
		Name:       t.cfg.Name,
		Avatar:     t.cfg.Avatar,
		Position:   s.Position,
		Heading:    s.Heading,
		Speed:      s.Speed,
		LastUpdate: s.Timestamp,
	}
}

func (t *Tracker) setOnline(online bool) {
	if online {
		metrics.TrackerOnline.Set(1)
	} else {
		metrics.TrackerOnline.Set(0)
	}
}

func (t *Tracker) isPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Tracker) hasLeft() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.left
}
