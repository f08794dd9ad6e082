// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package testinfra runs external services in containers for integration
// tests. It is compiled only with the integration build tag.
//
// # NATS Container
//
// NATSContainer starts a standalone NATS server, so the change feed and
// presence relay can be tested against a broker outside the process:
//
//	func TestFeedOverExternalNATS(t *testing.T) {
//	    ctx := context.Background()
//	    broker, err := testinfra.NewNATSContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, broker.Container)
//
//	    feed, err := events.NewNATSFeed(broker.URL, cfg.NATS)
//	    // ...
//	}
//
// # CI Considerations
//
// These tests require Docker. They are skipped when the daemon is not
// reachable, and the first run pulls the image.
//
//	go test -tags integration ./internal/testinfra/...
package testinfra
