// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

//go:build integration

package testinfra

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/events"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/messaging"
	"github.com/tomtom215/convoy/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

// TestChangeFeedOverExternalNATS publishes a membership change through a
// containerized broker and receives it on a second feed.
func TestChangeFeedOverExternalNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	SkipIfNoDocker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker, err := NewNATSContainer(ctx)
	if err != nil {
		t.Fatalf("Failed to create NATS container: %v", err)
	}
	defer CleanupContainer(t, ctx, broker.Container)

	cfg := config.NATSConfig{Enabled: true, URL: broker.URL, SubjectPrefix: "convoy-it", ReconnectWait: 100 * time.Millisecond}

	nc, err := messaging.Connect(broker.URL, "convoy-it", cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v\n%s", err, ContainerLogs(ctx, broker.Container))
	}
	defer nc.Close()
	if !nc.IsConnected() {
		t.Fatal("connection not established")
	}

	pub, err := events.NewNATSFeed(broker.URL, cfg)
	if err != nil {
		t.Fatalf("publisher feed: %v", err)
	}
	defer pub.Close()
	sub, err := events.NewNATSFeed(broker.URL, cfg)
	if err != nil {
		t.Fatalf("subscriber feed: %v", err)
	}
	defer sub.Close()

	changes, err := sub.Subscribe(ctx, "trip_members", events.OpIs(models.OpDelete))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	// Core NATS subscriptions are not replayed; give the interest time to
	// reach the server.
	time.Sleep(200 * time.Millisecond)

	want := models.RowChange{Table: "trip_members", Op: models.OpDelete, Key: "trip-1/bob", Before: []byte(`{"member_id":"bob"}`)}
	if err := pub.PublishChange(ctx, models.RowChange{Table: "trip_members", Op: models.OpInsert, Key: "trip-1/carol"}); err != nil {
		t.Fatal(err)
	}
	if err := pub.PublishChange(ctx, want); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changes:
		if got.Key != want.Key || got.Op != want.Op {
			t.Errorf("received %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("no change received")
	}
}
