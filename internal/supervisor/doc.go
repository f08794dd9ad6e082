// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

/*
Package supervisor runs convoy's long-lived services under a suture v4 tree.

Services are grouped in three layers so a crash restarts only its own layer:

	Root ("convoy-server" or "convoy-agent")
	├── storage: badger value log GC, tile cache sweep, membership eviction
	├── messaging: presence hub, NATS relay, location tracker
	└── api: HTTP server

Supervisor events are logged through sutureslog on top of the zerolog
slog adapter.

DuckDB and the NATS connection are not supervised. They are opened before
the tree starts and closed after it stops.
*/
package supervisor
