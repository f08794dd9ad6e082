// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

/*
Package websocket implements the server side of the convoy presence channel.

Every trip has one channel, convoy:{tripID}. A member joins by opening a
WebSocket on /api/v1/trips/{id}/presence; the join is rejected before the
upgrade unless the request is authenticated and the Authorizer confirms an
active membership.

Client frames:

	{"type":"track","payload":{ConvoyMemberPresence}}
	{"type":"untrack"}
	{"type":"leave"}

Server frames:

	{"type":"sync","payload":{"channel":"convoy:t1","members":{"u1":{...}}}}
	{"type":"join","payload":{"channel":"convoy:t1","member_id":"u2"}}
	{"type":"leave","payload":{"channel":"convoy:t1","member_id":"u2","reason":"dropped"}}
	{"type":"error","payload":{"message":"..."}}

A track replaces the member's whole record. Every change is followed by a
full sync snapshot, which includes the recipient. join and leave frames are
hints only.

Hub state is owned by the Serve goroutine; client pumps communicate with it
through channels. With NATS enabled, NATSRelay mirrors track, untrack and
leave events to other instances on {prefix}.presence.{tripID}.
*/
package websocket
