// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package logging

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameters that must never reach log output.
var sensitiveParams = []string{"access_token", "token", "api_key", "key"}

// RedactURL masks credential-bearing query parameters in a URL before it is logged.
// Unparseable input is replaced wholesale.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable-url]"
	}
	q := u.Query()
	changed := false
	for _, p := range sensitiveParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// SanitizeToken shows only the first 8 characters of a bearer token.
func SanitizeToken(token string) string {
	token = strings.TrimPrefix(token, "Bearer ")
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
