// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Command convoy-agent is the member-side client: it samples positions,
// shares them over the presence channel, buffers them while offline and
// prefetches map tiles along a route.
package main

import "github.com/tomtom215/convoy/cmd/agent/command"

func main() {
	command.Execute()
}
