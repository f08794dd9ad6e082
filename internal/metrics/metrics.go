// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package metrics declares the Prometheus instrumentation for every Convoy
// component. Metrics are package-level promauto vars; the Record helpers keep
// label handling in one place.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoy_duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoy_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoy_api_active_requests",
			Help: "Number of in-flight API requests",
		},
	)

	// WebSocket / presence hub Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoy_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoy_websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoy_websocket_messages_received_total",
			Help: "Total number of WebSocket messages received",
		},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
		[]string{"error_type"},
	)

	PresenceChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoy_presence_channels",
			Help: "Number of convoy channels with at least one subscriber",
		},
	)

	PresenceMembers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoy_presence_members",
			Help: "Number of members tracked across all convoy channels",
		},
	)

	PresenceSyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoy_presence_syncs_total",
			Help: "Total number of presence sync snapshots broadcast",
		},
	)

	PresenceJoinsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_presence_joins_rejected_total",
			Help: "Channel joins refused by authorization",
		},
		[]string{"reason"},
	)

	PresenceClientState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoy_presence_client_state",
			Help: "1 for the presence client's current connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	// NATS relay and change feed Metrics
	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_nats_relay_messages_total",
			Help: "Presence frames relayed over NATS",
		},
		[]string{"direction"}, // "published", "received", "ignored"
	)

	ChangeFeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_change_feed_events_total",
			Help: "Row change notifications published",
		},
		[]string{"table", "op"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoy_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Geo Sampler Metrics
	GeoSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_geo_samples_total",
			Help: "Location samples by outcome",
		},
		[]string{"backend", "outcome"}, // "emitted", "filtered"
	)

	GeoSamplesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoy_geo_samples_dropped_total",
			Help: "Samples dropped because a subscriber was not keeping up",
		},
	)

	GeoErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_geo_errors_total",
			Help: "Geo sampler errors by kind",
		},
		[]string{"kind"}, // "permission", "transient"
	)

	// Offline Point Buffer Metrics
	BufferOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_buffer_points_total",
			Help: "Buffered point operations",
		},
		[]string{"op"}, // "enqueued", "drained", "cleared"
	)

	BufferPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoy_buffer_pending_points",
			Help: "Points currently held in the offline buffer",
		},
	)

	BufferSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_buffer_syncs_total",
			Help: "Buffer drain-and-sync attempts by result",
		},
		[]string{"result"},
	)

	// Tile Cache Metrics
	TileCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoy_tile_cache_hits_total",
			Help: "Total number of tile cache hits",
		},
	)

	TileCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoy_tile_cache_misses_total",
			Help: "Total number of tile cache misses",
		},
	)

	TileDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_tile_downloads_total",
			Help: "Route-area tile downloads by result",
		},
		[]string{"result"}, // "downloaded", "skipped", "failed"
	)

	TileCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoy_tile_cache_bytes",
			Help: "Bytes of tile data held in the cache",
		},
	)

	TileEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoy_tile_evictions_total",
			Help: "Tiles evicted by the expiry sweep",
		},
	)

	// Live Map Metrics
	MapMarkerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_map_marker_operations_total",
			Help: "Marker operations issued by the live map renderer",
		},
		[]string{"op"}, // "create", "recreate", "move", "remove"
	)

	// Member Status Metrics
	MemberStatusCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoy_member_status",
			Help: "Members per derived status at the last evaluation",
		},
		[]string{"status"},
	)

	MemberStatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoy_member_status_transitions_total",
			Help: "Member status transitions",
		},
		[]string{"from", "to"},
	)

	// Tracker Metrics
	TrackerOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoy_tracker_online",
			Help: "1 when samples are published live, 0 when buffered",
		},
	)
)

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks in-flight API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordBufferSync records the outcome of a drain-and-sync cycle.
func RecordBufferSync(points int, err error) {
	if err != nil {
		BufferSyncs.WithLabelValues("failure").Inc()
		return
	}
	BufferSyncs.WithLabelValues("success").Inc()
	BufferOperations.WithLabelValues("cleared").Add(float64(points))
}

// SetPresenceClientState marks state as the only active client state.
func SetPresenceClientState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		PresenceClientState.WithLabelValues(s).Set(v)
	}
}
