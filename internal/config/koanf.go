// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/convoy/config.yaml",
	"/etc/convoy/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults, applied before file and env layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3857,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Environment:     "development",
		},
		Database: DatabaseConfig{
			Path:      "/data/convoy.duckdb",
			MaxMemory: "512MB",
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			Host:           "127.0.0.1",
			Port:           4222,
			SubjectPrefix:  "convoy",
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
			StartupTimeout: 10 * time.Second,
		},
		Buffer: BufferConfig{
			Path:              "/data/buffer",
			GCInterval:        10 * time.Minute,
			SyncRetryInterval: 30 * time.Second,
		},
		Tiles: TilesConfig{
			URLTemplate:        "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
			StorePath:          "/data/tiles",
			Backend:            "auto",
			MinZoom:            10,
			MaxZoom:            16,
			PaddingKm:          5,
			BatchSize:          16,
			MaxAge:             7 * 24 * time.Hour,
			SweepInterval:      time.Hour,
			RequestsPerSecond:  20,
			Burst:              16,
			RequestTimeout:     15 * time.Second,
			AvgTileBytes:       20 * 1024,
			BreakerMaxFailures: 10,
			BreakerTimeout:     30 * time.Second,
		},
		Presence: PresenceConfig{
			ServerURL:      "ws://127.0.0.1:3857/api/v1/ws",
			ConnectTimeout: 10 * time.Second,
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			SendBuffer:     64,
			MaxMessageSize: 8192,
			ReconnectMin:   time.Second,
			ReconnectMax:   30 * time.Second,
		},
		Status: StatusConfig{
			TickInterval: time.Second,
		},
		Map: MapConfig{
			SpeedThresholdKmh:   5,
			HeadingThresholdDeg: 30,
		},
		Geo: GeoConfig{
			DistanceFilterMeters: 30,
			Background:           true,
			RationaleTitle:       "Convoy location sharing",
			RationaleMessage:     "Convoy keeps sharing your position with your group while the app is in the background.",
			ReplaySpeed:          1,
		},
		Security: SecurityConfig{
			AuthEnabled:       false,
			TokenTTL:          24 * time.Hour,
			InviteTTL:         24 * time.Hour,
			CORSOrigins:       []string{"*"},
			RateLimitRequests: 100,
			RateLimitWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing priority, and validates the result.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit config file path. An empty path skips the file layer.
func LoadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// TILES_URL_TEMPLATE -> tiles.url_template
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env values.
var sliceConfigPaths = []string{
	"security.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps environment variable names to koanf paths. Variables not
// listed here are ignored so unrelated environment cannot leak into config.
var envMappings = map[string]string{
	"http_host":        "server.host",
	"http_port":        "server.port",
	"server_timeout":   "server.timeout",
	"shutdown_timeout": "server.shutdown_timeout",
	"environment":      "server.environment",
	"instance_id":      "server.instance_id",

	"duckdb_path":       "database.path",
	"duckdb_max_memory": "database.max_memory",
	"duckdb_threads":    "database.threads",

	"nats_enabled":         "nats.enabled",
	"nats_url":             "nats.url",
	"nats_embedded":        "nats.embedded_server",
	"nats_host":            "nats.host",
	"nats_port":            "nats.port",
	"nats_subject_prefix":  "nats.subject_prefix",
	"nats_reconnect_wait":  "nats.reconnect_wait",
	"nats_max_reconnects":  "nats.max_reconnects",
	"nats_startup_timeout": "nats.startup_timeout",

	"buffer_path":                "buffer.path",
	"buffer_max_age":             "buffer.max_age",
	"buffer_gc_interval":         "buffer.gc_interval",
	"buffer_sync_retry_interval": "buffer.sync_retry_interval",

	"tiles_url_template":        "tiles.url_template",
	"tiles_access_token":        "tiles.access_token",
	"mapbox_token":              "tiles.access_token",
	"tiles_store_path":          "tiles.store_path",
	"tiles_backend":             "tiles.backend",
	"tiles_min_zoom":            "tiles.min_zoom",
	"tiles_max_zoom":            "tiles.max_zoom",
	"tiles_padding_km":          "tiles.padding_km",
	"tiles_batch_size":          "tiles.batch_size",
	"tiles_max_age":             "tiles.max_age",
	"tiles_sweep_interval":      "tiles.sweep_interval",
	"tiles_requests_per_second": "tiles.requests_per_second",
	"tiles_burst":               "tiles.burst",
	"tiles_request_timeout":     "tiles.request_timeout",

	"presence_server_url":      "presence.server_url",
	"presence_trip_id":         "presence.trip_id",
	"presence_member_id":       "presence.member_id",
	"presence_name":            "presence.name",
	"presence_avatar":          "presence.avatar",
	"presence_token":           "presence.token",
	"presence_connect_timeout": "presence.connect_timeout",
	"presence_send_buffer":     "presence.send_buffer",
	"presence_reconnect_min":   "presence.reconnect_min",
	"presence_reconnect_max":   "presence.reconnect_max",

	"status_tick_interval": "status.tick_interval",

	"map_speed_threshold_kmh":   "map.speed_threshold_kmh",
	"map_heading_threshold_deg": "map.heading_threshold_deg",

	"geo_distance_filter":   "geo.distance_filter_meters",
	"geo_background":        "geo.background",
	"geo_rationale_title":   "geo.rationale_title",
	"geo_rationale_message": "geo.rationale_message",
	"geo_replay_file":       "geo.replay_file",
	"geo_replay_speed":      "geo.replay_speed",

	"auth_enabled":        "security.auth_enabled",
	"jwt_secret":          "security.jwt_secret",
	"token_ttl":           "security.token_ttl",
	"invite_ttl":          "security.invite_ttl",
	"cors_origins":        "security.cors_origins",
	"rate_limit_requests": "security.rate_limit_requests",
	"rate_limit_window":   "security.rate_limit_window",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps an environment variable name to its koanf path,
// returning "" for unmapped names.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
