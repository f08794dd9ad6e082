// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/convoy/internal/auth"
	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func testConfig(natsEnabled bool) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0, Timeout: 30 * time.Second, ShutdownTimeout: time.Second},
		Database: config.DatabaseConfig{Path: ":memory:", Threads: 2},
		NATS: config.NATSConfig{
			Enabled:        natsEnabled,
			EmbeddedServer: true,
			Host:           "127.0.0.1",
			Port:           -1,
			SubjectPrefix:  "convoy-test",
			ReconnectWait:  100 * time.Millisecond,
			StartupTimeout: 5 * time.Second,
		},
		Security: config.SecurityConfig{InviteTTL: 24 * time.Hour},
		Map:      config.MapConfig{SpeedThresholdKmh: 5, HeadingThresholdDeg: 15},
	}
}

func TestNewAppWiring(t *testing.T) {
	tests := []struct {
		name string
		nats bool
	}{
		{"in-process feed", false},
		{"embedded nats", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := newApp(testConfig(tt.nats))
			if err != nil {
				t.Fatalf("newApp() error = %v", err)
			}
			defer a.Close()

			if a.cfg.Server.InstanceID == "" {
				t.Error("instance id not generated")
			}
			if (a.relay != nil) != tt.nats {
				t.Errorf("relay present = %v, want %v", a.relay != nil, tt.nats)
			}

			rec := httptest.NewRecorder()
			a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("ready = %d %s", rec.Code, rec.Body.String())
			}
			if tt.nats && !strings.Contains(rec.Body.String(), `"nats":true`) {
				t.Errorf("ready body missing nats status: %s", rec.Body.String())
			}

			req := httptest.NewRequest(http.MethodPost, "/api/v1/trips", strings.NewReader(`{"name":"Coast run"}`))
			req.Header.Set(auth.DevUserHeader, "alice")
			rec = httptest.NewRecorder()
			a.server.Handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusCreated {
				t.Fatalf("create trip = %d %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestNewAppRequiresJWTSecret(t *testing.T) {
	cfg := testConfig(false)
	cfg.Security.AuthEnabled = true
	if _, err := newApp(cfg); err == nil {
		t.Fatal("newApp() succeeded without a JWT secret")
	}
}

func TestNewAppTileProxy(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer upstream.Close()

	cfg := testConfig(false)
	cfg.Tiles = config.TilesConfig{
		URLTemplate:       upstream.URL + "/{z}/{x}/{y}.png",
		StorePath:         t.TempDir(),
		Backend:           "auto",
		MinZoom:           10,
		MaxZoom:           12,
		BatchSize:         4,
		MaxAge:            time.Hour,
		RequestsPerSecond: 100,
		Burst:             10,
		RequestTimeout:    5 * time.Second,
	}
	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		a.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tiles/10/163/395.png", nil))
		if rec.Code != http.StatusOK || rec.Body.String() != "png" {
			t.Fatalf("tile = %d %q", rec.Code, rec.Body.String())
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1 (second request served from cache)", got)
	}
}
