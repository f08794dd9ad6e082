// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package config

import (
	"fmt"
	"strings"
)

// minJWTSecretLength is the shortest HS256 secret accepted when auth is on.
const minJWTSecretLength = 32

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateTiles(); err != nil {
		return err
	}
	if err := c.validatePresence(); err != nil {
		return err
	}
	if err := c.validateMapAndGeo(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.NATS.Enabled && c.NATS.EmbeddedServer && (c.NATS.Port < 1 || c.NATS.Port > 65535) {
		return fmt.Errorf("NATS_PORT must be between 1 and 65535, got %d", c.NATS.Port)
	}
	return nil
}

func (c *Config) validateTiles() error {
	t := c.Tiles
	if t.MinZoom < 0 || t.MaxZoom > 22 || t.MinZoom > t.MaxZoom {
		return fmt.Errorf("tile zoom range [%d,%d] must satisfy 0 <= min <= max <= 22", t.MinZoom, t.MaxZoom)
	}
	if t.BatchSize < 1 || t.BatchSize > 64 {
		return fmt.Errorf("TILES_BATCH_SIZE must be between 1 and 64, got %d", t.BatchSize)
	}
	if t.PaddingKm < 0 {
		return fmt.Errorf("TILES_PADDING_KM must not be negative, got %v", t.PaddingKm)
	}
	if t.MaxAge <= 0 {
		return fmt.Errorf("TILES_MAX_AGE must be positive")
	}
	if !strings.Contains(t.URLTemplate, "{z}") || !strings.Contains(t.URLTemplate, "{x}") || !strings.Contains(t.URLTemplate, "{y}") {
		return fmt.Errorf("TILES_URL_TEMPLATE must contain {z}, {x} and {y}: %q", t.URLTemplate)
	}
	switch t.Backend {
	case "auto", "proxy", "direct":
	default:
		return fmt.Errorf("TILES_BACKEND must be auto, proxy or direct, got %q", t.Backend)
	}
	return nil
}

func (c *Config) validatePresence() error {
	p := c.Presence
	if p.ConnectTimeout <= 0 {
		return fmt.Errorf("PRESENCE_CONNECT_TIMEOUT must be positive")
	}
	if p.PingInterval >= p.PongWait {
		return fmt.Errorf("presence ping interval (%v) must be shorter than pong wait (%v)", p.PingInterval, p.PongWait)
	}
	if p.SendBuffer < 1 {
		return fmt.Errorf("PRESENCE_SEND_BUFFER must be at least 1")
	}
	if p.ReconnectMin <= 0 || p.ReconnectMax < p.ReconnectMin {
		return fmt.Errorf("presence reconnect backoff [%v,%v] is invalid", p.ReconnectMin, p.ReconnectMax)
	}
	if c.Status.TickInterval <= 0 {
		return fmt.Errorf("STATUS_TICK_INTERVAL must be positive")
	}
	return nil
}

func (c *Config) validateMapAndGeo() error {
	if c.Map.SpeedThresholdKmh <= 0 || c.Map.HeadingThresholdDeg <= 0 || c.Map.HeadingThresholdDeg > 180 {
		return fmt.Errorf("map thresholds must be positive and heading at most 180 degrees")
	}
	if c.Geo.DistanceFilterMeters < 0 {
		return fmt.Errorf("GEO_DISTANCE_FILTER must not be negative")
	}
	if c.Geo.Background && (c.Geo.RationaleTitle == "" || c.Geo.RationaleMessage == "") {
		return fmt.Errorf("background location requires GEO_RATIONALE_TITLE and GEO_RATIONALE_MESSAGE")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if c.Security.AuthEnabled && len(c.Security.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters when AUTH_ENABLED=true", minJWTSecretLength)
	}
	if c.Security.InviteTTL <= 0 {
		return fmt.Errorf("INVITE_TTL must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be trace, debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
}
