// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package membership

import (
	"context"
	"fmt"

	"github.com/tomtom215/convoy/internal/events"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/models"
)

// ChangeSubscriber is the subscribe side of the row-change feed.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context, table string, match events.Predicate) (<-chan models.RowChange, error)
}

// Evicter removes a member's live presence connections.
type Evicter interface {
	Evict(tripID, memberID string)
}

// EvictionWatcher disconnects members from presence as soon as their
// membership stops being active.
type EvictionWatcher struct {
	feed ChangeSubscriber
	hub  Evicter
}

// NewEvictionWatcher creates an EvictionWatcher.
func NewEvictionWatcher(feed ChangeSubscriber, hub Evicter) *EvictionWatcher {
	return &EvictionWatcher{feed: feed, hub: hub}
}

// Serve runs until ctx ends. It implements suture.Service.
func (w *EvictionWatcher) Serve(ctx context.Context) error {
	changes, err := w.feed.Subscribe(ctx, "convoy_members", events.OpIs(models.OpUpdate))
	if err != nil {
		return fmt.Errorf("subscribe to membership changes: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("membership change stream ended")
			}
			w.handle(change)
		}
	}
}

func (w *EvictionWatcher) handle(change models.RowChange) {
	var m models.ConvoyMember
	if err := events.Decode(change, &m); err != nil {
		logging.Warn().Err(err).Str("key", change.Key).Msg("Skipping undecodable membership change")
		return
	}
	if m.Status == models.MemberActive {
		return
	}
	logging.Info().Str("trip_id", m.TripID).Str("user_id", m.UserID).Str("status", string(m.Status)).
		Msg("Evicting member from presence")
	w.hub.Evict(m.TripID, m.UserID)
}

func (w *EvictionWatcher) String() string { return "membership-eviction" }
