// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package websocket

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// RelayEvent is a presence change exchanged between hub instances.
type RelayEvent struct {
	Instance string                       `json:"instance"`
	Type     string                       `json:"type"` // track, untrack or leave
	TripID   string                       `json:"trip_id"`
	MemberID string                       `json:"member_id"`
	Reason   string                       `json:"reason,omitempty"`
	Presence *models.ConvoyMemberPresence `json:"presence,omitempty"`
}

// NATSRelay fans presence changes out on {prefix}.presence.{tripID} and
// delivers other instances' changes to the local hub.
type NATSRelay struct {
	hub    *Hub
	nc     *nats.Conn
	prefix string
}

// NewNATSRelay creates a relay for hub over nc. The relay registers itself
// with the hub.
func NewNATSRelay(hub *Hub, nc *nats.Conn, prefix string) *NATSRelay {
	if prefix == "" {
		prefix = "convoy"
	}
	r := &NATSRelay{hub: hub, nc: nc, prefix: prefix}
	hub.SetRelay(r)
	return r
}

// Subject returns the relay subject for a trip.
func (r *NATSRelay) Subject(tripID string) string {
	return r.prefix + ".presence." + tripID
}

// Publish implements Relay. Failures are logged; presence is best effort
// across instances and is corrected by the next track.
func (r *NATSRelay) Publish(ev RelayEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to encode relay event")
		return
	}
	if err := r.nc.Publish(r.Subject(ev.TripID), data); err != nil {
		metrics.WSErrors.WithLabelValues("relay_publish").Inc()
		logging.Warn().Err(err).Str("trip_id", ev.TripID).Msg("Failed to publish presence relay event")
		return
	}
	metrics.RelayMessages.WithLabelValues("published").Inc()
}

// Serve subscribes to every trip's relay subject until ctx ends. It
// implements suture.Service.
func (r *NATSRelay) Serve(ctx context.Context) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := r.nc.ChanSubscribe(r.prefix+".presence.*", msgs)
	if err != nil {
		return fmt.Errorf("subscribe presence relay: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	logging.Info().Str("subject", r.prefix+".presence.*").Msg("Presence relay started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Presence relay stopped")
			return ctx.Err()
		case msg := <-msgs:
			r.handle(msg)
		}
	}
}

func (r *NATSRelay) handle(msg *nats.Msg) {
	var ev RelayEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		logging.Warn().Err(err).Str("subject", msg.Subject).Msg("Malformed presence relay event")
		return
	}
	if ev.Instance == r.hub.InstanceID() {
		metrics.RelayMessages.WithLabelValues("ignored").Inc()
		return
	}
	if ev.TripID == "" {
		ev.TripID = strings.TrimPrefix(msg.Subject, r.prefix+".presence.")
	}
	metrics.RelayMessages.WithLabelValues("received").Inc()
	r.hub.Deliver(ev)
}

// String implements fmt.Stringer for supervisor logging.
func (r *NATSRelay) String() string { return "presence-relay" }
