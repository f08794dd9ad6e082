// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// clientIDCounter orders clients for deterministic broadcast.
var clientIDCounter atomic.Uint64

// Client is one member connection on one trip channel.
type Client struct {
	id       uint64
	hub      *Hub
	conn     *websocket.Conn
	tripID   string
	memberID string

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	removed chan struct{}
}

// NewClient creates a client for an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, tripID, memberID string) *Client {
	return &Client{
		id:       clientIDCounter.Add(1),
		hub:      hub,
		conn:     conn,
		tripID:   tripID,
		memberID: memberID,
		send:     make(chan []byte, hub.cfg.SendBuffer),
		removed:  make(chan struct{}),
	}
}

// ID returns the client's ordering ID.
func (c *Client) ID() uint64 { return c.id }

// MemberID returns the authenticated member of this connection.
func (c *Client) MemberID() string { return c.memberID }

// enqueue queues data without blocking; false means the buffer is full or
// the client is gone.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend ends the write pump, which sends a close frame. Idempotent.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.removed)
}

// Start launches the read and write pumps.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump forwards frames to the hub. A leave frame ends the connection as
// an intentional departure; any read error is a drop.
func (c *Client) readPump() {
	reason := models.LeaveReasonDropped
	defer func() {
		select {
		case c.hub.unregister <- departure{client: c, reason: reason}:
		case <-c.removed:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
		logging.Error().Err(err).Msg("Failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("member_id", c.memberID).Msg("Unexpected presence connection close")
			}
			return
		}
		metrics.WSMessagesReceived.Inc()

		var f models.PresenceFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.sendError(c, "malformed frame")
			continue
		}
		if f.Type == models.FrameLeave {
			reason = models.LeaveReasonLeft
			return
		}

		select {
		case c.hub.frames <- inbound{client: c, frame: f}:
		case <-c.removed:
			return
		}
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				metrics.WSErrors.WithLabelValues("write").Inc()
				return
			}
			metrics.WSMessagesSent.Inc()

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
