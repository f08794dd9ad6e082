// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/convoy/internal/auth"
	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/tiles"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

const (
	testSecret   = "test-secret-that-is-long-enough-for-hs256"
	offlineTiles = "http://127.0.0.1:1/{z}/{x}/{y}.png"
)

// writeConfig writes an agent config into a temp dir and returns its path.
// tileSource is the tile URL template; extra is appended verbatim as
// additional YAML sections.
func writeConfig(t *testing.T, tileSource, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`logging:
  level: error
buffer:
  path: %s
tiles:
  store_path: %s
  url_template: %s
  requests_per_second: 1000
  burst: 100
geo:
  background: false
  distance_filter_meters: 0
security:
  jwt_secret: %s
%s`, filepath.Join(dir, "buffer"), filepath.Join(dir, "tiles"), tileSource, testSecret, extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes one agent command line and returns its stdout.
func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	cfgPath := writeConfig(t, offlineTiles, "")
	out, err := run(t, context.Background(), "token", "-c", cfgPath, "--user", "alice", "--name", "Alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	m, err := auth.NewJWTManager(&config.SecurityConfig{JWTSecret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token does not validate: %v", err)
	}
	if claims.UserID() != "alice" || claims.Name != "Alice" {
		t.Errorf("claims = %s/%s, want alice/Alice", claims.UserID(), claims.Name)
	}

	if _, err := run(t, context.Background(), "token", "-c", cfgPath); err == nil {
		t.Error("token without --user succeeded")
	}
}

func TestReadRoute(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"positions", `[{"lon":-122.4,"lat":37.7},{"lon":-122.3,"lat":37.8}]`, 2, false},
		{"linestring", `{"type":"LineString","coordinates":[[-122.4,37.7],[-122.3,37.8],[-122.2,37.9]]}`, 3, false},
		{"empty", `[]`, 0, true},
		{"out of range", `[{"lon":-190,"lat":37.7}]`, 0, true},
		{"not a route", `{"type":"Point","coordinates":[1,2]}`, 0, true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "route"+strconv.Itoa(i)+".json")
			if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
				t.Fatal(err)
			}
			route, err := readRoute(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readRoute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(route) != tt.want {
				t.Errorf("len = %d, want %d", len(route), tt.want)
			}
		})
	}
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		in      string
		want    models.Position
		wantErr bool
	}{
		{"37.8,-122.4", models.Position{Lat: 37.8, Lon: -122.4}, false},
		{" 45.1 , 7.6 ", models.Position{Lat: 45.1, Lon: 7.6}, false},
		{"37.8", models.Position{}, true},
		{"north,-122.4", models.Position{}, true},
		{"95,0", models.Position{}, true},
	}
	for _, tt := range tests {
		got, err := parseDestination(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDestination(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDestination(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestTilesCommands(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer upstream.Close()

	cfgPath := writeConfig(t, upstream.URL+"/{z}/{x}/{y}.png", "")

	route := filepath.Join(t.TempDir(), "route.json")
	if err := os.WriteFile(route, []byte(`[{"lon":-122.42,"lat":37.77},{"lon":-122.40,"lat":37.78}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	zoom := []string{"--route", route, "--min-zoom", "10", "--max-zoom", "11", "--padding-km", "1"}
	ctx := context.Background()

	out, err := run(t, ctx, append([]string{"tiles", "estimate", "-c", cfgPath}, zoom...)...)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	var est models.TileEstimate
	if err := json.Unmarshal([]byte(out), &est); err != nil {
		t.Fatalf("estimate output %q: %v", out, err)
	}
	if est.Tiles == 0 {
		t.Fatal("estimate found no tiles")
	}

	out, err = run(t, ctx, append([]string{"tiles", "status", "-c", cfgPath}, zoom...)...)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st models.TileCacheStatus
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatal(err)
	}
	if st.Cached != 0 || st.Total != est.Tiles {
		t.Errorf("status before download = %+v, want 0/%d", st, est.Tiles)
	}

	out, err = run(t, ctx, append([]string{"tiles", "download", "-c", cfgPath}, zoom...)...)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	var p tiles.Progress
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatal(err)
	}
	if p.Total != est.Tiles || p.Completed != est.Tiles || p.Failed != 0 {
		t.Errorf("download = %+v, want %d completed", p, est.Tiles)
	}
	if got := int(hits.Load()); got != est.Tiles {
		t.Errorf("upstream hits = %d, want %d", got, est.Tiles)
	}

	out, err = run(t, ctx, append([]string{"tiles", "status", "-c", cfgPath}, zoom...)...)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatal(err)
	}
	if st.Cached != est.Tiles || st.Percent != 100 {
		t.Errorf("status after download = %+v, want fully cached", st)
	}

	// A second download is served from the cache.
	if _, err := run(t, ctx, append([]string{"tiles", "download", "-c", cfgPath}, zoom...)...); err != nil {
		t.Fatalf("second download: %v", err)
	}
	if got := int(hits.Load()); got != est.Tiles {
		t.Errorf("upstream hits after second download = %d, want %d", got, est.Tiles)
	}

	if _, err := run(t, ctx, "tiles", "clear", "-c", cfgPath); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out, err = run(t, ctx, "tiles", "size", "-c", cfgPath)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	var u tiles.Usage
	if err := json.Unmarshal([]byte(out), &u); err != nil {
		t.Fatal(err)
	}
	if u.Tiles != 0 {
		t.Errorf("size after clear = %+v", u)
	}
}

func TestTrackBuffersWhileOffline(t *testing.T) {
	// Nothing listens on port 1, so every join fails and points are buffered.
	cfgPath := writeConfig(t, offlineTiles, `presence:
  server_url: ws://127.0.0.1:1/api/v1/ws
`)

	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	var track strings.Builder
	const fixes = 5
	for i := 0; i < fixes; i++ {
		line, err := json.Marshal(map[string]interface{}{
			"lat":       37.77 + float64(i)*0.001,
			"lon":       -122.42,
			"heading":   0,
			"speed_mps": 12,
			"accuracy":  5,
			"time":      start.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
		track.Write(line)
		track.WriteByte('\n')
	}
	dir := t.TempDir()
	replay := filepath.Join(dir, "track.jsonl")
	if err := os.WriteFile(replay, []byte(track.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	mapOut := filepath.Join(dir, "map.geojson")
	route := filepath.Join(dir, "route.json")
	if err := os.WriteFile(route, []byte(`[{"lon":-122.42,"lat":37.77},{"lon":-122.40,"lat":37.80}]`), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, context.Background(), "track", "-c", cfgPath,
		"--trip", "trip-1", "--member", "alice",
		"--replay", replay, "--speed", "0",
		"--duration", "1500ms", "--map-out", mapOut, "--route", route)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if !strings.Contains(out, fmt.Sprintf("%d buffered", fixes)) {
		t.Errorf("track summary = %q, want %d buffered", out, fixes)
	}

	out, err = run(t, context.Background(), "buffer", "count", "-c", cfgPath, "--trip", "trip-1")
	if err != nil {
		t.Fatalf("buffer count: %v", err)
	}
	if got := strings.TrimSpace(out); got != strconv.Itoa(fixes) {
		t.Errorf("buffer count = %s, want %d", got, fixes)
	}

	data, err := os.ReadFile(mapOut)
	if err != nil {
		t.Fatalf("map not written: %v", err)
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &fc); err != nil || fc.Type != "FeatureCollection" {
		t.Fatalf("map output is not a FeatureCollection (%v): %s", err, data)
	}
	kinds := map[string]bool{}
	for _, f := range fc.Features {
		if k, ok := f.Properties["kind"].(string); ok {
			kinds[k] = true
		}
	}
	for _, want := range []string{"line", "destination"} {
		if !kinds[want] {
			t.Errorf("map has no %s feature: %s", want, data)
		}
	}

	if _, err := run(t, context.Background(), "buffer", "clear", "-c", cfgPath, "--trip", "trip-1"); err != nil {
		t.Fatalf("buffer clear: %v", err)
	}
	out, err = run(t, context.Background(), "buffer", "count", "-c", cfgPath, "--trip", "trip-1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "0" {
		t.Errorf("buffer count after clear = %s", out)
	}
}

func TestTrackRequiresIdentity(t *testing.T) {
	cfgPath := writeConfig(t, offlineTiles, "")
	if _, err := run(t, context.Background(), "track", "-c", cfgPath, "--member", "alice"); err == nil {
		t.Error("track without a trip succeeded")
	}
	if _, err := run(t, context.Background(), "track", "-c", cfgPath, "--trip", "t", "--member", "alice"); err == nil {
		t.Error("track without a location source succeeded")
	}
}
