// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package websocket

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/validation"
)

// ShutdownReason identifies why the hub stopped.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// ErrHubStopped is returned by operations that need a running hub.
var ErrHubStopped = errors.New("presence hub is not running")

// Authorizer decides whether a user may join a trip's presence channel.
type Authorizer interface {
	CanJoin(ctx context.Context, tripID, userID string) (bool, error)
}

// Relay carries presence changes to other hub instances.
type Relay interface {
	Publish(ev RelayEvent)
}

// HubConfig configures connection keepalive and buffering.
type HubConfig struct {
	InstanceID     string
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

// HubConfigFrom builds a HubConfig from application config.
func HubConfigFrom(cfg *config.Config) HubConfig {
	return HubConfig{
		InstanceID:     cfg.Server.InstanceID,
		PingInterval:   cfg.Presence.PingInterval,
		PongWait:       cfg.Presence.PongWait,
		WriteWait:      cfg.Presence.WriteWait,
		SendBuffer:     cfg.Presence.SendBuffer,
		MaxMessageSize: cfg.Presence.MaxMessageSize,
		AllowedOrigins: cfg.Security.CORSOrigins,
	}
}

func (c *HubConfig) applyDefaults() {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// channel is one convoy:{tripID} presence channel. Only the Serve goroutine
// mutates it, under Hub.mu.
type channel struct {
	name    string
	tripID  string
	clients map[*Client]struct{}
	members map[string]models.ConvoyMemberPresence
}

type departure struct {
	client *Client
	reason string
}

type inbound struct {
	client *Client
	frame  models.PresenceFrame
}

type eviction struct {
	tripID   string
	memberID string
}

// Hub owns every presence channel of this instance. Clients register and
// send frames through channels; the Serve loop applies them in order and
// broadcasts the resulting snapshots.
type Hub struct {
	cfg  HubConfig
	auth Authorizer

	mu       sync.RWMutex
	channels map[string]*channel
	relay    Relay

	register   chan *Client
	unregister chan departure
	frames     chan inbound
	remote     chan RelayEvent
	evict      chan eviction

	now func() time.Time
	log zerolog.Logger
}

// NewHub creates a Hub. A nil Authorizer admits every identified user.
func NewHub(cfg HubConfig, auth Authorizer) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:        cfg,
		auth:       auth,
		channels:   make(map[string]*channel),
		register:   make(chan *Client),
		unregister: make(chan departure, 64),
		frames:     make(chan inbound, 256),
		remote:     make(chan RelayEvent, 256),
		evict:      make(chan eviction, 16),
		now:        time.Now,
		log:        logging.WithComponent("presence-hub").With().Str("instance_id", cfg.InstanceID).Logger(),
	}
}

// SetRelay attaches the cross-instance relay. Call before Serve.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// InstanceID returns the relay identity of this hub.
func (h *Hub) InstanceID() string { return h.cfg.InstanceID }

// Serve runs the hub until ctx is canceled. It implements suture.Service.
//
// Shutdown is checked first, then client lifecycle, then frames, so a
// client is always registered before its first frame is applied.
func (h *Hub) Serve(ctx context.Context) error {
	h.log.Info().Msg("Presence hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case c := <-h.register:
			h.addClient(c)
			continue
		case d := <-h.unregister:
			h.removeClient(d.client, d.reason)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case c := <-h.register:
			h.addClient(c)
		case d := <-h.unregister:
			h.removeClient(d.client, d.reason)
		case in := <-h.frames:
			h.handleFrame(in.client, in.frame)
		case ev := <-h.remote:
			h.applyRemote(ev)
		case ev := <-h.evict:
			h.evictMember(ev.tripID, ev.memberID)
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (h *Hub) String() string { return "presence-hub" }

// Register hands a connected client to the hub, blocking until the hub
// accepts it or ctx ends.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-ctx.Done():
		return ErrHubStopped
	}
}

// Evict removes a member from a trip's channel and closes their
// connections, e.g. after their membership ended.
func (h *Hub) Evict(tripID, memberID string) {
	select {
	case h.evict <- eviction{tripID: tripID, memberID: memberID}:
	default:
		h.log.Warn().Str("trip_id", tripID).Str("member_id", memberID).Msg("Eviction queue full, dropping eviction")
	}
}

// Deliver applies a presence change received from another instance.
func (h *Hub) Deliver(ev RelayEvent) {
	select {
	case h.remote <- ev:
	default:
		h.log.Warn().Str("trip_id", ev.TripID).Msg("Relay queue full, dropping remote presence event")
	}
}

// Snapshot returns a copy of the members tracked on a trip's channel.
func (h *Hub) Snapshot(tripID string) map[string]models.ConvoyMemberPresence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[tripID]
	if !ok {
		return map[string]models.ConvoyMemberPresence{}
	}
	return cloneMembers(ch.members)
}

// ClientCount returns the number of connected clients across all channels.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, ch := range h.channels {
		n += len(ch.clients)
	}
	return n
}

// ChannelCount returns the number of channels with at least one client.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	ch, ok := h.channels[c.tripID]
	if !ok {
		ch = &channel{
			name:    models.ChannelName(c.tripID),
			tripID:  c.tripID,
			clients: make(map[*Client]struct{}),
			members: make(map[string]models.ConvoyMemberPresence),
		}
		h.channels[c.tripID] = ch
	}
	ch.clients[c] = struct{}{}
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	h.updateGauges()
	h.log.Info().
		Str("channel", ch.name).
		Str("member_id", c.memberID).
		Int("channel_clients", len(ch.clients)).
		Msg("Presence client joined")

	h.sendSync(ch, c)
	h.broadcastExcept(ch, c, models.FrameJoin, models.PresenceHint{Channel: ch.name, MemberID: c.memberID})
}

// removeClient detaches c. When it was the member's last connection on the
// channel, the member's presence is removed and a leave hint with reason is
// broadcast.
func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	ch, ok := h.channels[c.tripID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := ch.clients[c]; !present {
		h.mu.Unlock()
		return
	}
	delete(ch.clients, c)
	c.closeSend()

	lastConn := true
	for other := range ch.clients {
		if other.memberID == c.memberID {
			lastConn = false
			break
		}
	}
	_, tracked := ch.members[c.memberID]
	if lastConn {
		delete(ch.members, c.memberID)
	}
	empty := len(ch.clients) == 0
	if empty {
		delete(h.channels, c.tripID)
	}
	h.mu.Unlock()

	metrics.WSConnections.Dec()
	h.updateGauges()
	h.log.Info().
		Str("channel", ch.name).
		Str("member_id", c.memberID).
		Str("reason", reason).
		Msg("Presence client left")

	if !lastConn || empty {
		if lastConn && tracked {
			h.publish(RelayEvent{Type: models.FrameLeave, TripID: ch.tripID, MemberID: c.memberID, Reason: reason})
		}
		return
	}
	h.broadcast(ch, models.FrameLeave, models.PresenceHint{Channel: ch.name, MemberID: c.memberID, Reason: reason})
	if tracked {
		h.broadcastSync(ch)
		h.publish(RelayEvent{Type: models.FrameLeave, TripID: ch.tripID, MemberID: c.memberID, Reason: reason})
	}
}

func (h *Hub) handleFrame(c *Client, f models.PresenceFrame) {
	h.mu.RLock()
	ch, ok := h.channels[c.tripID]
	if ok {
		_, ok = ch.clients[c]
	}
	h.mu.RUnlock()
	if !ok {
		return
	}

	switch f.Type {
	case models.FrameTrack:
		var p models.ConvoyMemberPresence
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.sendError(c, "invalid track payload")
			return
		}
		if p.ID == "" {
			p.ID = c.memberID
		}
		if p.ID != c.memberID {
			h.sendError(c, "presence id does not match authenticated member")
			return
		}
		if verr := validation.ValidateStruct(&p); verr != nil {
			h.sendError(c, verr.Error())
			return
		}
		if p.LastUpdate == 0 {
			p.LastUpdate = h.now().UnixMilli()
		}
		h.mu.Lock()
		ch.members[p.ID] = p.Clone()
		h.mu.Unlock()
		h.updateGauges()
		h.broadcastSync(ch)
		h.publish(RelayEvent{Type: models.FrameTrack, TripID: ch.tripID, MemberID: p.ID, Presence: &p})

	case models.FrameUntrack:
		h.mu.Lock()
		_, tracked := ch.members[c.memberID]
		delete(ch.members, c.memberID)
		h.mu.Unlock()
		if tracked {
			h.updateGauges()
			h.broadcastSync(ch)
			h.publish(RelayEvent{Type: models.FrameUntrack, TripID: ch.tripID, MemberID: c.memberID})
		}

	case models.FrameLeave:
		h.removeClient(c, models.LeaveReasonLeft)

	default:
		h.sendError(c, "unknown frame type "+f.Type)
	}
}

func (h *Hub) applyRemote(ev RelayEvent) {
	h.mu.Lock()
	ch, ok := h.channels[ev.TripID]
	if !ok {
		h.mu.Unlock()
		return
	}
	changed := false
	switch ev.Type {
	case models.FrameTrack:
		if ev.Presence != nil && ev.Presence.ID != "" {
			ch.members[ev.Presence.ID] = ev.Presence.Clone()
			changed = true
		}
	case models.FrameUntrack, models.FrameLeave:
		if _, tracked := ch.members[ev.MemberID]; tracked {
			// A local connection for the same member keeps its own presence.
			if !h.hasLocalClient(ch, ev.MemberID) {
				delete(ch.members, ev.MemberID)
				changed = true
			}
		}
	}
	h.mu.Unlock()

	if !changed {
		return
	}
	h.updateGauges()
	if ev.Type == models.FrameLeave {
		h.broadcast(ch, models.FrameLeave, models.PresenceHint{Channel: ch.name, MemberID: ev.MemberID, Reason: ev.Reason})
	}
	h.broadcastSync(ch)
}

// hasLocalClient must be called with h.mu held.
func (h *Hub) hasLocalClient(ch *channel, memberID string) bool {
	for c := range ch.clients {
		if c.memberID == memberID {
			return true
		}
	}
	return false
}

func (h *Hub) evictMember(tripID, memberID string) {
	h.mu.RLock()
	ch, ok := h.channels[tripID]
	var victims []*Client
	if ok {
		for c := range ch.clients {
			if c.memberID == memberID {
				victims = append(victims, c)
			}
		}
	}
	h.mu.RUnlock()

	sortClients(victims)
	for _, c := range victims {
		h.sendError(c, "membership ended")
		h.removeClient(c, models.LeaveReasonRemoved)
	}
	if len(victims) > 0 {
		h.log.Info().Str("trip_id", tripID).Str("member_id", memberID).Int("connections", len(victims)).Msg("Member evicted from presence channel")
	}
}

func (h *Hub) sendSync(ch *channel, c *Client) {
	h.mu.RLock()
	payload := models.PresenceSync{Channel: ch.name, Members: cloneMembers(ch.members)}
	h.mu.RUnlock()

	data, err := encodeFrame(models.FrameSync, payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode presence sync")
		return
	}
	if !c.enqueue(data) {
		h.removeClient(c, models.LeaveReasonDropped)
		return
	}
	metrics.PresenceSyncs.Inc()
}

func (h *Hub) broadcastSync(ch *channel) {
	h.mu.RLock()
	payload := models.PresenceSync{Channel: ch.name, Members: cloneMembers(ch.members)}
	h.mu.RUnlock()
	h.broadcast(ch, models.FrameSync, payload)
	metrics.PresenceSyncs.Inc()
}

func (h *Hub) broadcast(ch *channel, frameType string, payload interface{}) {
	h.broadcastExcept(ch, nil, frameType, payload)
}

// broadcastExcept delivers a frame to every client of ch except skip, in
// client ID order. Clients whose send buffer is full are dropped.
func (h *Hub) broadcastExcept(ch *channel, skip *Client, frameType string, payload interface{}) {
	data, err := encodeFrame(frameType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", frameType).Msg("Failed to encode presence frame")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(ch.clients))
	for c := range ch.clients {
		if c != skip {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()
	sortClients(clients)

	var slow []*Client
	for _, c := range clients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		metrics.WSErrors.WithLabelValues("slow_client").Inc()
		h.log.Warn().Str("member_id", c.memberID).Str("channel", ch.name).Msg("Dropping slow presence client")
		h.removeClient(c, models.LeaveReasonDropped)
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	data, err := encodeFrame(models.FrameError, models.PresenceError{Message: msg})
	if err != nil {
		return
	}
	metrics.WSErrors.WithLabelValues("bad_frame").Inc()
	c.enqueue(data)
}

func (h *Hub) publish(ev RelayEvent) {
	h.mu.RLock()
	r := h.relay
	h.mu.RUnlock()
	if r == nil {
		return
	}
	ev.Instance = h.cfg.InstanceID
	r.Publish(ev)
}

func (h *Hub) updateGauges() {
	h.mu.RLock()
	members := 0
	for _, ch := range h.channels {
		members += len(ch.members)
	}
	channels := len(h.channels)
	h.mu.RUnlock()
	metrics.PresenceChannels.Set(float64(channels))
	metrics.PresenceMembers.Set(float64(members))
}

// shutdown closes every client. ctx.Err() is expected here and is not logged as an error.
func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	var clients []*Client
	for id, ch := range h.channels {
		for c := range ch.clients {
			clients = append(clients, c)
		}
		delete(h.channels, id)
	}
	h.mu.Unlock()

	sortClients(clients)
	for _, c := range clients {
		c.closeSend()
		metrics.WSConnections.Dec()
	}
	h.updateGauges()

	reason := ShutdownReasonContextCanceled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = ShutdownReasonContextDeadline
	}
	h.log.Info().
		Str("reason", string(reason)).
		Int("clients_closed", len(clients)).
		Msg("Presence hub stopped")
}

func encodeFrame(frameType string, payload interface{}) ([]byte, error) {
	f, err := models.NewPresenceFrame(frameType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func cloneMembers(in map[string]models.ConvoyMemberPresence) map[string]models.ConvoyMemberPresence {
	out := make(map[string]models.ConvoyMemberPresence, len(in))
	for id, p := range in {
		out[id] = p.Clone()
	}
	return out
}

func sortClients(clients []*Client) {
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
}
