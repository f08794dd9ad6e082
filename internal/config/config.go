// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package config loads the process-wide, read-only Convoy configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables. The resulting *Config is passed explicitly into
// constructors; no component reads configuration from globals.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	NATS       NATSConfig       `koanf:"nats"`
	Buffer     BufferConfig     `koanf:"buffer"`
	Tiles      TilesConfig      `koanf:"tiles"`
	Presence   PresenceConfig   `koanf:"presence"`
	Status     StatusConfig     `koanf:"status"`
	Map        MapConfig        `koanf:"map"`
	Geo        GeoConfig        `koanf:"geo"`
	Security   SecurityConfig   `koanf:"security"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Environment     string        `koanf:"environment"`
	// InstanceID identifies this process on the NATS relay. Generated when empty.
	InstanceID string `koanf:"instance_id"`
}

// DatabaseConfig holds DuckDB settings for the membership and track store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = NumCPU
}

// NATSConfig controls cross-instance presence fanout and the change feed transport.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`

	// EmbeddedServer starts an in-process NATS server instead of dialing URL.
	EmbeddedServer bool   `koanf:"embedded_server"`
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`

	SubjectPrefix  string        `koanf:"subject_prefix"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	StartupTimeout time.Duration `koanf:"startup_timeout"`
}

// BufferConfig holds Offline Point Buffer settings.
type BufferConfig struct {
	Path string `koanf:"path"`
	// MaxAge expires buffered points after this long. Zero keeps them until synced.
	MaxAge            time.Duration `koanf:"max_age"`
	GCInterval        time.Duration `koanf:"gc_interval"`
	SyncRetryInterval time.Duration `koanf:"sync_retry_interval"`
}

// TilesConfig holds Offline Tile Cache settings.
type TilesConfig struct {
	// URLTemplate uses {z}, {x} and {y} placeholders.
	URLTemplate string `koanf:"url_template"`
	AccessToken string `koanf:"access_token"`
	StorePath   string `koanf:"store_path"`

	// Backend selects the cache strategy: proxy, direct or auto.
	Backend string `koanf:"backend"`

	MinZoom   int     `koanf:"min_zoom"`
	MaxZoom   int     `koanf:"max_zoom"`
	PaddingKm float64 `koanf:"padding_km"`
	BatchSize int     `koanf:"batch_size"`

	MaxAge        time.Duration `koanf:"max_age"`
	SweepInterval time.Duration `koanf:"sweep_interval"`

	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	AvgTileBytes      int64         `koanf:"avg_tile_bytes"`

	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

// PresenceConfig holds presence hub and client settings.
type PresenceConfig struct {
	// ServerURL is the websocket endpoint the agent dials.
	ServerURL string `koanf:"server_url"`
	TripID    string `koanf:"trip_id"`
	MemberID  string `koanf:"member_id"`
	Name      string `koanf:"name"`
	Avatar    string `koanf:"avatar"`
	// Token is the bearer token presented on join when the hub requires auth.
	Token string `koanf:"token"`

	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	PongWait       time.Duration `koanf:"pong_wait"`
	WriteWait      time.Duration `koanf:"write_wait"`
	SendBuffer     int           `koanf:"send_buffer"`
	MaxMessageSize int64         `koanf:"max_message_size"`

	ReconnectMin time.Duration `koanf:"reconnect_min"`
	ReconnectMax time.Duration `koanf:"reconnect_max"`
}

// StatusConfig holds Member Status Engine settings.
type StatusConfig struct {
	TickInterval time.Duration `koanf:"tick_interval"`
}

// MapConfig holds Live Map Renderer thresholds.
type MapConfig struct {
	SpeedThresholdKmh   float64 `koanf:"speed_threshold_kmh"`
	HeadingThresholdDeg float64 `koanf:"heading_threshold_deg"`
}

// GeoConfig holds Geo Sampler settings.
type GeoConfig struct {
	DistanceFilterMeters float64 `koanf:"distance_filter_meters"`
	Background           bool    `koanf:"background"`
	RationaleTitle       string  `koanf:"rationale_title"`
	RationaleMessage     string  `koanf:"rationale_message"`
	ReplayFile           string  `koanf:"replay_file"`
	// ReplaySpeed scales replay timing; 0 replays as fast as possible.
	ReplaySpeed float64 `koanf:"replay_speed"`
}

// SecurityConfig holds authentication and API protection settings.
type SecurityConfig struct {
	AuthEnabled       bool          `koanf:"auth_enabled"`
	JWTSecret         string        `koanf:"jwt_secret"`
	TokenTTL          time.Duration `koanf:"token_ttl"`
	InviteTTL         time.Duration `koanf:"invite_ttl"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SupervisorConfig tunes the suture supervisor tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
