// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

/*
Package tiles keeps the map imagery for a planned route available offline.

Given route coordinates and a padding distance it derives the slippy-map
tile pyramid covering the route corridor, downloads the tiles in bounded
batches and stores them in Badger keyed by a canonical URL with the access
token removed. Later requests are served cache-first.

Two interchangeable backends implement Cache:

  - ProxyCache intercepts HTTP requests as an http.RoundTripper and answers
    from the store before touching the network.
  - DirectCache is driven explicitly by the downloader.

NewCache chooses between them from the host's Capabilities. Everything
else (Manager, Handler) depends only on the Cache interface.

Tiles expire after seven days. The Badger TTL covers the download time and
Store.Sweep additionally evicts entries whose origin Date is too old.
*/
package tiles
