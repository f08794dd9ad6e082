// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

/*
Package models defines data structures shared by the convoy server and agent.

Model Categories:

1. Membership (stored in DuckDB):
  - Trip: a convoy with a leader, a lifecycle status and an optional route
  - ConvoyMember: one user's membership and its state
  - Invite: a shareable code with an expiry and a single answer
  - TrackPoint: a recorded position of a member on a trip

2. Location pipeline:
  - Position: a lon/lat pair
  - LocationSample: one accepted fix, with optional heading and speed
  - BufferedPoint, PointBatch: the offline queue and its sync payload
  - PointSyncResult: the server's answer to a point sync

3. Presence:
  - ConvoyMemberPresence: the live state one member publishes
  - PresenceFrame: the websocket envelope, with PresenceSync, PresenceHint
    and PresenceError payloads
  - MemberStatus: moving, slow, stopped or offline

4. Tiles:
  - TileCoordinate, BoundingBox: slippy-map addressing
  - CachedTileEntry: one stored tile body with its fetch time
  - TileEstimate, TileCacheStatus: corridor planning results

5. API envelope:
  - APIResponse, APIError, Metadata

6. Change feed:
  - RowChange, ChangeOp: row-level notifications with before/after images

Usage Example:

	sample := models.NewLocationSample(
	    models.Position{Lon: -122.42, Lat: 37.77},
	    models.Float(90), models.Float(48), models.Float(5),
	    time.Now(),
	)
	presence := models.PresenceFromSample("alice", "Alice", "", sample)

Thread Safety:

Models are plain data. Callers that share a value across goroutines copy it
or guard it themselves.
*/
package models
