// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package services adapts components without a context-aware Serve method
// to suture.Service: the HTTP server and plain run loops. The presence hub,
// relay, tracker, eviction watcher and store maintainers already implement
// Serve and are added to the tree directly.
package services
