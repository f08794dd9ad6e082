// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package tiles

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/tomtom215/convoy/internal/models"
)

// tokenParam is the query parameter carrying the tile provider credential.
const tokenParam = "access_token"

// CacheKey canonicalizes a tile URL so requests that differ only in access
// token, parameter order or host case share one cache entry.
//
//	CacheKey("https://A.tiles.example/3/1/2.png?b=1&access_token=x&a=2")
//	// https://a.tiles.example/3/1/2.png?a=2&b=1
func CacheKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	q.Del(tokenParam)
	// Encode sorts by key.
	u.RawQuery = q.Encode()
	return u.String()
}

// TileURL expands a {z}/{x}/{y} template. A {token} placeholder receives the
// access token; otherwise a non-empty token is appended as access_token.
func TileURL(template, token string, c models.TileCoordinate) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(c.Z),
		"{x}", strconv.Itoa(c.X),
		"{y}", strconv.Itoa(c.Y),
		"{token}", url.QueryEscape(token),
	)
	out := r.Replace(template)
	if token == "" || strings.Contains(template, "{token}") {
		return out
	}
	sep := "?"
	if strings.Contains(out, "?") {
		sep = "&"
	}
	return out + sep + tokenParam + "=" + url.QueryEscape(token)
}
