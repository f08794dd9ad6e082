// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/messaging"
	"github.com/tomtom215/convoy/internal/models"
)

func startRelay(t *testing.T, hub *Hub, nc *nats.Conn) {
	t.Helper()
	relay := NewNATSRelay(hub, nc, "convoytest")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = relay.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(3 * time.Second)
	for nc.NumSubscriptions() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestRelaySharesPresenceAcrossInstances(t *testing.T) {
	cfg := config.NATSConfig{EmbeddedServer: true, Host: "127.0.0.1", Port: -1}
	bus, err := messaging.Open(cfg, "hub-a")
	if err != nil {
		t.Fatalf("messaging.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	ncB, err := messaging.Connect(bus.Conn.ConnectedUrl(), "hub-b", cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ncB.Close)

	hubA, baseA := startHub(t, HubConfig{InstanceID: "a"}, nil)
	hubB, baseB := startHub(t, HubConfig{InstanceID: "b"}, nil)
	startRelay(t, hubA, bus.Conn)
	startRelay(t, hubB, ncB)

	alice := dial(t, baseA, "t1", "alice")
	readFrame(t, alice)
	bob := dial(t, baseB, "t1", "bob")
	readFrame(t, bob)

	send(t, alice, models.FrameTrack, models.ConvoyMemberPresence{Name: "Alice", Position: models.Position{Lon: 13.4, Lat: 52.5}})
	s := readSyncWhere(t, bob, func(s models.PresenceSync) bool { _, ok := s.Members["alice"]; return ok })
	if s.Members["alice"].Name != "Alice" {
		t.Errorf("relayed presence = %+v", s.Members["alice"])
	}
	if _, ok := hubB.Snapshot("t1")["alice"]; !ok {
		t.Error("hub b snapshot lacks relayed member")
	}

	send(t, alice, models.FrameLeave, nil)
	h := hint(t, readUntil(t, bob, models.FrameLeave))
	if h.MemberID != "alice" || h.Reason != models.LeaveReasonLeft {
		t.Errorf("relayed leave hint = %+v", h)
	}
	readSyncWhere(t, bob, func(s models.PresenceSync) bool { _, ok := s.Members["alice"]; return !ok })
}

func TestRelayIgnoresOwnEvents(t *testing.T) {
	hub := NewHub(HubConfig{InstanceID: "self"}, nil)
	r := &NATSRelay{hub: hub, prefix: "convoytest"}
	r.handle(&nats.Msg{Subject: r.Subject("t1"), Data: []byte(`{"instance":"self","type":"track","trip_id":"t1","member_id":"x","presence":{"id":"x","name":"","position":{"lon":0,"lat":0},"lastUpdate":1}}`)})

	select {
	case ev := <-hub.remote:
		t.Errorf("own event delivered: %+v", ev)
	default:
	}
	if got := r.Subject("trip-9"); got != "convoytest.presence.trip-9" {
		t.Errorf("Subject() = %q", got)
	}
}
