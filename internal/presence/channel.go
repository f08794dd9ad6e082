// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package presence is the member side of a convoy presence channel. A
// Channel joins convoy:{tripID} on the hub, publishes the member's own
// presence and keeps the list of the other members current from the hub's
// sync snapshots.
package presence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/validation"
)

// State is the connection state of a Channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var allStates = []string{string(StateDisconnected), string(StateConnecting), string(StateConnected), string(StateError)}

var (
	errMalformed = errors.New("malformed frame")

	// ErrConnectTimeout is returned by Join when the hub does not confirm the
	// subscription in time.
	ErrConnectTimeout = errors.New("presence: connect timed out")

	// ErrConnectionLost is recorded in Err when the connection drops.
	ErrConnectionLost = errors.New("presence: connection lost")
)

// RejectedError is recorded when the hub answers a frame with an error.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return "presence: rejected by hub: " + e.Message }

// Config configures a Channel.
type Config struct {
	// URL is the hub's presence endpoint. The trip is passed as the trip
	// query parameter.
	URL      string
	TripID   string
	MemberID string
	// Token is sent as a bearer token when set.
	Token string

	ConnectTimeout time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
}

// ConfigFrom builds a Config from the agent's presence settings.
func ConfigFrom(cfg config.PresenceConfig) Config {
	return Config{
		URL:            cfg.ServerURL,
		TripID:         cfg.TripID,
		MemberID:       cfg.MemberID,
		Token:          cfg.Token,
		ConnectTimeout: cfg.ConnectTimeout,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
	}
}

// HintFunc receives join and leave hints. Hints never change Members.
type HintFunc func(frameType string, hint models.PresenceHint)

// Channel is a member's connection to one convoy presence channel. All
// methods are safe for concurrent use.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	onHint HintFunc

	mu      sync.Mutex
	state   State
	err     error
	dropped bool
	leaving bool
	conn    *websocket.Conn
	done    chan struct{}
	members []models.ConvoyMemberPresence

	// writeMu serializes frames on conn.
	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[uint64]func([]models.ConvoyMemberPresence)
	nextSub uint64
}

// Option configures a Channel.
type Option func(*Channel)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithHints registers the hint callback.
func WithHints(fn HintFunc) Option {
	return func(c *Channel) { c.onHint = fn }
}

// NewChannel creates a disconnected Channel.
func NewChannel(cfg Config, opts ...Option) *Channel {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	c := &Channel{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		state:  StateDisconnected,
		subs:   make(map[uint64]func([]models.ConvoyMemberPresence)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the channel name, convoy:{tripID}.
func (c *Channel) Name() string { return models.ChannelName(c.cfg.TripID) }

// Join connects and waits for the hub's first sync. It returns once
// connected, or fails with the channel in the error state when the connect
// timeout or ctx expires first. Joining a connected channel is a no-op.
func (c *Channel) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.err = nil
	c.dropped = false
	c.leaving = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, first, err := c.connect(ctx)
	if err != nil {
		c.mu.Lock()
		c.err = err
		c.setStateLocked(StateError)
		c.mu.Unlock()
		logging.Warn().Err(err).Str("channel", c.Name()).Msg("Presence join failed")
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	logging.Info().Str("channel", c.Name()).Str("member_id", c.cfg.MemberID).Msg("Presence channel joined")
	c.applySync(first)
	go c.readLoop(conn, done)
	return nil
}

// connect dials the hub and reads frames until the first sync.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, models.PresenceSync, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	target, err := c.joinURL()
	if err != nil {
		return nil, models.PresenceSync{}, err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, models.PresenceSync{}, ErrConnectTimeout
		}
		if resp != nil {
			return nil, models.PresenceSync{}, fmt.Errorf("join %s: hub answered %d: %w", c.Name(), resp.StatusCode, err)
		}
		return nil, models.PresenceSync{}, fmt.Errorf("join %s: %w", c.Name(), err)
	}

	// A blocked read does not observe ctx; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)

	for {
		f, err := readFrame(conn)
		if errors.Is(err, errMalformed) {
			continue
		}
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil || isTimeout(err) {
				return nil, models.PresenceSync{}, ErrConnectTimeout
			}
			return nil, models.PresenceSync{}, fmt.Errorf("join %s: %w", c.Name(), err)
		}
		if f.Type != models.FrameSync {
			continue
		}
		var s models.PresenceSync
		if err := json.Unmarshal(f.Payload, &s); err != nil {
			_ = conn.Close()
			return nil, models.PresenceSync{}, fmt.Errorf("join %s: malformed sync: %w", c.Name(), err)
		}
		if !stop() {
			return nil, models.PresenceSync{}, ErrConnectTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return conn, s, nil
	}
}

func (c *Channel) joinURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid presence url: %w", err)
	}
	q := u.Query()
	q.Set("trip", c.cfg.TripID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// UpdatePosition publishes the member's presence. It is a no-op while not
// connected. An empty ID is filled with the member's own.
func (c *Channel) UpdatePosition(ctx context.Context, p models.ConvoyMemberPresence) error {
	c.mu.Lock()
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}

	if p.ID == "" {
		p.ID = c.cfg.MemberID
	}
	if err := validation.ValidateStruct(&p); err != nil {
		return fmt.Errorf("invalid presence: %w", err)
	}
	if err := c.write(ctx, conn, models.FrameTrack, p); err != nil {
		// Losing the race with a leave or a drop is not a publish failure.
		if c.closing() {
			return nil
		}
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// Untrack removes the member's presence while staying subscribed.
func (c *Channel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.write(ctx, conn, models.FrameUntrack, nil)
}

// LeaveConvoy leaves the channel intentionally. Dropped stays false and the
// member list is cleared.
func (c *Channel) LeaveConvoy(ctx context.Context) error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return nil
	}
	c.leaving = true
	c.mu.Unlock()

	err := c.write(ctx, conn, models.FrameLeave, nil)

	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(c.cfg.WriteWait):
	}
	_ = conn.Close()
	<-done

	c.mu.Lock()
	c.members = nil
	c.mu.Unlock()
	c.notify(nil)

	logging.Info().Str("channel", c.Name()).Msg("Left presence channel")
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("leave %s: %w", c.Name(), err)
	}
	return nil
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, frameType string, payload interface{}) error {
	f, err := models.NewPresenceFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop applies frames until the connection ends, then records whether
// the end was a drop.
func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		f, err := readFrame(conn)
		if errors.Is(err, errMalformed) {
			logging.Warn().Err(err).Str("channel", c.Name()).Msg("Ignoring presence frame")
			continue
		}
		if err != nil {
			c.finish(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		switch f.Type {
		case models.FrameSync:
			var s models.PresenceSync
			if err := json.Unmarshal(f.Payload, &s); err != nil {
				logging.Warn().Err(err).Str("channel", c.Name()).Msg("Malformed presence sync")
				continue
			}
			c.applySync(s)
		case models.FrameJoin, models.FrameLeave:
			var h models.PresenceHint
			if err := json.Unmarshal(f.Payload, &h); err != nil {
				continue
			}
			logging.Debug().Str("channel", c.Name()).Str("hint", f.Type).Str("member_id", h.MemberID).Str("reason", h.Reason).Msg("Presence hint")
			if c.onHint != nil {
				c.onHint(f.Type, h)
			}
		case models.FrameError:
			var pe models.PresenceError
			_ = json.Unmarshal(f.Payload, &pe)
			c.mu.Lock()
			c.err = &RejectedError{Message: pe.Message}
			c.mu.Unlock()
			logging.Warn().Str("channel", c.Name()).Str("message", pe.Message).Msg("Presence frame rejected by hub")
		}
	}
}

func (c *Channel) finish(conn *websocket.Conn, readErr error) {
	_ = conn.Close()

	c.mu.Lock()
	leaving := c.leaving
	if c.conn == conn {
		c.conn = nil
	}
	if !leaving {
		c.dropped = true
		c.err = fmt.Errorf("%w: %v", ErrConnectionLost, readErr)
	}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if !leaving {
		logging.Warn().Err(readErr).Str("channel", c.Name()).Msg("Presence connection dropped")
	}
}

// applySync rebuilds the member list from a snapshot.
func (c *Channel) applySync(s models.PresenceSync) {
	members := models.SortedMembers(s.Members, c.cfg.MemberID)
	c.mu.Lock()
	c.members = members
	c.mu.Unlock()
	c.notify(members)
}

func (c *Channel) notify(members []models.ConvoyMemberPresence) {
	c.subMu.Lock()
	fns := make([]func([]models.ConvoyMemberPresence), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(cloneMembers(members))
	}
}

// Subscribe registers fn for every rebuilt member list. The returned func
// unsubscribes and is idempotent.
func (c *Channel) Subscribe(fn func([]models.ConvoyMemberPresence)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Members returns the other members, sorted by ID. The caller owns the slice.
func (c *Channel) Members() []models.ConvoyMemberPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMembers(c.members)
}

// IsConnected reports whether the channel is connected.
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last channel error, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dropped reports whether the last connection ended without LeaveConvoy.
func (c *Channel) Dropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Done returns a channel closed when the current connection ends, or nil
// when not connected.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return nil
	}
	return c.done
}

func (c *Channel) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaving || c.state != StateConnected
}

// setStateLocked must be called with c.mu held.
func (c *Channel) setStateLocked(s State) {
	c.state = s
	metrics.SetPresenceClientState(string(s), allStates)
}

func readFrame(conn *websocket.Conn) (models.PresenceFrame, error) {
	var f models.PresenceFrame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return f, nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func cloneMembers(in []models.ConvoyMemberPresence) []models.ConvoyMemberPresence {
	if in == nil {
		return []models.ConvoyMemberPresence{}
	}
	out := make([]models.ConvoyMemberPresence, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
