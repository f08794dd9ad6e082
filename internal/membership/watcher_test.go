// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/convoy/internal/events"
	"github.com/tomtom215/convoy/internal/models"
)

type evictLog struct {
	mu      sync.Mutex
	evicted []string
	signal  chan struct{}
}

func newEvictLog() *evictLog { return &evictLog{signal: make(chan struct{}, 16)} }

func (l *evictLog) Evict(tripID, memberID string) {
	l.mu.Lock()
	l.evicted = append(l.evicted, tripID+"/"+memberID)
	l.mu.Unlock()
	l.signal <- struct{}{}
}

func (l *evictLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.evicted...)
}

// readyFeed reports when the watcher has subscribed.
type readyFeed struct {
	*events.Feed
	ready chan struct{}
}

func (f readyFeed) Subscribe(ctx context.Context, table string, match events.Predicate) (<-chan models.RowChange, error) {
	ch, err := f.Feed.Subscribe(ctx, table, match)
	close(f.ready)
	return ch, err
}

func TestEvictionWatcherEvictsLeftAndCompletedMembers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")
	f.join(t, trip.ID, "alice", "bob")
	f.join(t, trip.ID, "alice", "carol")

	evicted := newEvictLog()
	feed := readyFeed{Feed: f.feed, ready: make(chan struct{})}
	w := NewEvictionWatcher(feed, evicted)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Serve(runCtx) }()
	<-feed.ready

	if err := f.svc.Leave(ctx, trip.ID, "bob"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitEvictions(t, evicted, 1)
	if got := evicted.list(); got[0] != trip.ID+"/bob" {
		t.Fatalf("evicted = %v", got)
	}

	// Ending the trip completes alice and carol.
	if _, err := f.svc.EndTrip(ctx, trip.ID, "alice"); err != nil {
		t.Fatalf("EndTrip: %v", err)
	}
	waitEvictions(t, evicted, 3)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestEvictionWatcherIgnoresLeadershipChanges(t *testing.T) {
	evicted := newEvictLog()
	w := NewEvictionWatcher(nil, evicted)

	w.handle(models.RowChange{
		Table: "convoy_members", Op: models.OpUpdate, Key: "m1",
		After: []byte(`{"id":"m1","trip_id":"t","user_id":"bob","is_leader":true,"status":"active"}`),
	})
	w.handle(models.RowChange{Table: "convoy_members", Op: models.OpUpdate, Key: "m2", After: []byte(`not json`)})
	if got := evicted.list(); len(got) != 0 {
		t.Errorf("evicted = %v", got)
	}
}

func waitEvictions(t *testing.T, l *evictLog, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for len(l.list()) < n {
		select {
		case <-l.signal:
		case <-deadline:
			t.Fatalf("got %d evictions, want %d", len(l.list()), n)
		}
	}
}
