// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package messaging

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func TestEmbeddedBusRoundTrip(t *testing.T) {
	bus, err := Open(config.NATSConfig{EmbeddedServer: true, Host: "127.0.0.1", Port: -1}, "test")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer bus.Close(context.Background())

	sub, err := bus.Conn.SubscribeSync("convoy.test")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Conn.Publish("convoy.test", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg() error = %v", err)
	}
	if string(msg.Data) != "hello" {
		t.Errorf("data = %q", msg.Data)
	}
}
