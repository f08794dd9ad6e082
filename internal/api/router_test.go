// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/convoy/internal/auth"
	"github.com/tomtom215/convoy/internal/authz"
	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/database"
	"github.com/tomtom215/convoy/internal/events"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/mapview"
	"github.com/tomtom215/convoy/internal/membership"
	"github.com/tomtom215/convoy/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

var testDBSemaphore = make(chan struct{}, 1)

type envelope struct {
	Status string           `json:"status"`
	Data   json.RawMessage  `json:"data"`
	Error  *models.APIError `json:"error"`
}

type fakePresence struct {
	members map[string]models.ConvoyMemberPresence
}

func (f *fakePresence) Snapshot(string) map[string]models.ConvoyMemberPresence { return f.members }
func (f *fakePresence) ClientCount() int                                       { return len(f.members) }
func (f *fakePresence) ChannelCount() int                                      { return 1 }

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

type testServer struct {
	handler  *Handler
	db       *database.DB
	presence *fakePresence
	http     http.Handler
}

func testConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			AuthEnabled:       false,
			JWTSecret:         "test_secret_with_at_least_32_characters_for_testing",
			TokenTTL:          time.Hour,
			RateLimitRequests: 1000,
			RateLimitWindow:   time.Minute,
		},
		Map: config.MapConfig{SpeedThresholdKmh: 5, HeadingThresholdDeg: 15},
	}
}

func setupServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	feed := events.NewInProcessFeed()
	t.Cleanup(func() { _ = feed.Close() })
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", Threads: 2}, feed)
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	enf, err := authz.NewEnforcer(authz.DefaultEnforcerConfig())
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}

	presence := &fakePresence{}
	h := NewHandler(membership.NewService(db, enf), db, presence, cfg)

	var jwtManager *auth.JWTManager
	if cfg.Security.AuthEnabled {
		if jwtManager, err = auth.NewJWTManager(&cfg.Security); err != nil {
			t.Fatalf("NewJWTManager() error = %v", err)
		}
	}
	router := NewRouter(h, jwtManager, NewChiMiddleware(ChiMiddlewareConfigFrom(cfg.Security)))
	return &testServer{handler: h, db: db, presence: presence, http: router.SetupChi()}
}

// do sends a request as user (dev header) and decodes the envelope.
func (s *testServer) do(t *testing.T, user, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(auth.DevUserHeader, user)
	}
	rec := httptest.NewRecorder()
	s.http.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: decode envelope %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func decodeData(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
}

func expectError(t *testing.T, status int, env envelope, wantStatus int, wantCode string) {
	t.Helper()
	if status != wantStatus || env.Status != "error" || env.Error == nil || env.Error.Code != wantCode {
		t.Fatalf("got %d %+v, want %d %s", status, env.Error, wantStatus, wantCode)
	}
}

func (s *testServer) createTrip(t *testing.T, owner string) models.Trip {
	t.Helper()
	status, env := s.do(t, owner, http.MethodPost, "/api/v1/trips", membership.TripRequest{
		Name:        "Coast run",
		Destination: &models.Position{Lon: -121.9, Lat: 36.6},
		Route:       []models.Position{{Lon: -122.4, Lat: 37.8}, {Lon: -121.9, Lat: 36.6}},
	})
	if status != http.StatusCreated || env.Status != "success" {
		t.Fatalf("create trip = %d %+v", status, env.Error)
	}
	var trip models.Trip
	decodeData(t, env, &trip)
	return trip
}

func (s *testServer) invite(t *testing.T, tripID, leader string) models.Invite {
	t.Helper()
	status, env := s.do(t, leader, http.MethodPost, "/api/v1/trips/"+tripID+"/invites", nil)
	if status != http.StatusCreated {
		t.Fatalf("create invite = %d %+v", status, env.Error)
	}
	var inv models.Invite
	decodeData(t, env, &inv)
	return inv
}

func TestConvoyLifecycleOverHTTP(t *testing.T) {
	s := setupServer(t, testConfig())
	trip := s.createTrip(t, "alice")
	base := "/api/v1/trips/" + trip.ID

	status, env := s.do(t, "bob", http.MethodGet, base, nil)
	expectError(t, status, env, http.StatusForbidden, ErrCodeForbidden)

	inv := s.invite(t, trip.ID, "alice")
	if len(inv.Code) != 6 || inv.Status != models.InvitePending {
		t.Fatalf("invite = %+v", inv)
	}

	status, env = s.do(t, "bob", http.MethodPost, "/api/v1/invites/"+inv.Code+"/accept", nil)
	if status != http.StatusOK {
		t.Fatalf("accept = %d %+v", status, env.Error)
	}
	var member models.ConvoyMember
	decodeData(t, env, &member)
	if member.UserID != "bob" || member.Status != models.MemberActive || member.IsLeader {
		t.Errorf("member = %+v", member)
	}

	status, env = s.do(t, "bob", http.MethodPost, "/api/v1/invites/"+inv.Code+"/accept", nil)
	expectError(t, status, env, http.StatusConflict, ErrCodeConflict)

	status, env = s.do(t, "bob", http.MethodGet, base+"/members", nil)
	var members []models.ConvoyMember
	decodeData(t, env, &members)
	if status != http.StatusOK || len(members) != 2 {
		t.Fatalf("members = %d %v", status, members)
	}

	status, env = s.do(t, "bob", http.MethodPost, base+"/start", nil)
	expectError(t, status, env, http.StatusForbidden, ErrCodeForbidden)
	status, env = s.do(t, "bob", http.MethodPost, base+"/invites", nil)
	expectError(t, status, env, http.StatusForbidden, ErrCodeForbidden)

	status, env = s.do(t, "alice", http.MethodPost, base+"/start", nil)
	var started models.Trip
	decodeData(t, env, &started)
	if status != http.StatusOK || started.Status != models.TripActive {
		t.Fatalf("start = %d %+v", status, started)
	}

	status, env = s.do(t, "alice", http.MethodPost, base+"/leader", TransferLeaderRequest{UserID: "bob"})
	if status != http.StatusOK {
		t.Fatalf("transfer = %d %+v", status, env.Error)
	}
	status, env = s.do(t, "alice", http.MethodPost, base+"/end", nil)
	expectError(t, status, env, http.StatusForbidden, ErrCodeForbidden)

	status, _ = s.do(t, "alice", http.MethodPost, base+"/leave", nil)
	if status != http.StatusOK {
		t.Fatalf("leave = %d", status)
	}
	status, env = s.do(t, "alice", http.MethodGet, base+"/members", nil)
	expectError(t, status, env, http.StatusForbidden, ErrCodeForbidden)

	status, env = s.do(t, "bob", http.MethodPost, base+"/end", nil)
	var ended models.Trip
	decodeData(t, env, &ended)
	if status != http.StatusOK || ended.Status != models.TripCompleted {
		t.Fatalf("end = %d %+v", status, ended)
	}
}

func TestPointSyncIsIdempotent(t *testing.T) {
	s := setupServer(t, testConfig())
	trip := s.createTrip(t, "alice")
	path := "/api/v1/trips/" + trip.ID + "/points"

	batch := models.PointBatch{Points: []models.LocationSample{
		{Position: models.Position{Lon: -122.4, Lat: 37.8}, Speed: models.Float(60), Timestamp: 1_000},
		{Position: models.Position{Lon: -122.3, Lat: 37.7}, Speed: models.Float(62), Timestamp: 2_000},
	}}

	for _, want := range []int{2, 0} {
		status, env := s.do(t, "alice", http.MethodPost, path, batch)
		var res models.PointSyncResult
		decodeData(t, env, &res)
		if status != http.StatusOK || res.Received != 2 || res.Inserted != want {
			t.Fatalf("sync = %d %+v, want inserted %d", status, res, want)
		}
	}

	status, env := s.do(t, "alice", http.MethodGet, path+"?since=1500", nil)
	var points []models.TrackPoint
	decodeData(t, env, &points)
	if status != http.StatusOK || len(points) != 1 || points[0].Timestamp != 2_000 {
		t.Fatalf("query = %d %+v", status, points)
	}

	status, env = s.do(t, "mallory", http.MethodPost, path, batch)
	expectError(t, status, env, http.StatusForbidden, ErrCodeForbidden)
}

func TestRequestValidation(t *testing.T) {
	s := setupServer(t, testConfig())
	trip := s.createTrip(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"empty trip name", http.MethodPost, "/api/v1/trips", membership.TripRequest{}, http.StatusBadRequest, ErrCodeValidation},
		{"latitude out of range", http.MethodPost, "/api/v1/trips/" + trip.ID + "/points",
			models.PointBatch{Points: []models.LocationSample{{Position: models.Position{Lat: 91}, Timestamp: 1}}},
			http.StatusBadRequest, ErrCodeValidation},
		{"empty batch", http.MethodPost, "/api/v1/trips/" + trip.ID + "/points", models.PointBatch{}, http.StatusBadRequest, ErrCodeValidation},
		{"unknown field", http.MethodPost, "/api/v1/trips", map[string]string{"nme": "x"}, http.StatusBadRequest, ErrCodeBadRequest},
		{"bad since", http.MethodGet, "/api/v1/trips/" + trip.ID + "/points?since=yesterday", nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"until before since", http.MethodGet, "/api/v1/trips/" + trip.ID + "/points?since=10&until=5", nil, http.StatusBadRequest, ErrCodeValidation},
		{"missing leader", http.MethodPost, "/api/v1/trips/" + trip.ID + "/leader", TransferLeaderRequest{}, http.StatusBadRequest, ErrCodeValidation},
		{"unknown trip", http.MethodGet, "/api/v1/trips/nope", nil, http.StatusNotFound, ErrCodeNotFound},
		{"unknown invite", http.MethodPost, "/api/v1/invites/ABCDEF/accept", nil, http.StatusNotFound, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.do(t, "alice", tt.method, tt.path, tt.body)
			expectError(t, status, env, tt.status, tt.code)
		})
	}
}

func TestExpiredInviteIsGone(t *testing.T) {
	s := setupServer(t, testConfig())
	trip := s.createTrip(t, "alice")
	inv := s.invite(t, trip.ID, "alice")

	s.handler.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	status, env := s.do(t, "bob", http.MethodPost, "/api/v1/invites/"+inv.Code+"/accept", nil)
	expectError(t, status, env, http.StatusGone, ErrCodeGone)

	// Still pending: the leader sees it unanswered.
	s.handler.now = time.Now
	_, env = s.do(t, "alice", http.MethodGet, "/api/v1/trips/"+trip.ID+"/invites", nil)
	var invites []models.Invite
	decodeData(t, env, &invites)
	if len(invites) != 1 || invites[0].Status != models.InvitePending {
		t.Errorf("invites = %+v", invites)
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	s := setupServer(t, testConfig())
	status, env := s.do(t, "", http.MethodGet, "/api/v1/trips", nil)
	expectError(t, status, env, http.StatusUnauthorized, ErrCodeUnauthorized)
}

func TestJWTAuthentication(t *testing.T) {
	cfg := testConfig()
	cfg.Security.AuthEnabled = true
	s := setupServer(t, cfg)

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		t.Fatalf("NewJWTManager() error = %v", err)
	}
	token, _ := jwtManager.GenerateToken("alice", "Alice")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trips", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.http.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token = %d %s", rec.Code, rec.Body.String())
	}

	// The development header is ignored once auth is on.
	status, env := s.do(t, "alice", http.MethodGet, "/api/v1/trips", nil)
	expectError(t, status, env, http.StatusUnauthorized, ErrCodeUnauthorized)
}

func TestMapRendersPresence(t *testing.T) {
	s := setupServer(t, testConfig())
	trip := s.createTrip(t, "alice")
	inv := s.invite(t, trip.ID, "alice")
	if status, env := s.do(t, "bob", http.MethodPost, "/api/v1/invites/"+inv.Code+"/accept", nil); status != http.StatusOK {
		t.Fatalf("accept = %d %+v", status, env.Error)
	}

	now := time.Now().UnixMilli()
	s.presence.members = map[string]models.ConvoyMemberPresence{
		"alice": {ID: "alice", Position: models.Position{Lon: -122.4, Lat: 37.8}, Heading: models.Float(90), Speed: models.Float(70), LastUpdate: now},
		"bob":   {ID: "bob", Position: models.Position{Lon: -122.3, Lat: 37.7}, Speed: models.Float(65), LastUpdate: now},
	}

	status, env := s.do(t, "alice", http.MethodGet, "/api/v1/trips/"+trip.ID+"/map?compass=true", nil)
	if status != http.StatusOK {
		t.Fatalf("map = %d %+v", status, env.Error)
	}
	var fc mapview.GeoJSONFeatureCollection
	decodeData(t, env, &fc)

	ids := make(map[string]bool)
	for _, f := range fc.Features {
		ids[f.ID] = true
	}
	for _, want := range []string{mapview.SelfMarkerID, mapview.DestinationMarkerID, mapview.RouteLineID, "bob"} {
		if !ids[want] {
			t.Errorf("feature %q missing from %v", want, ids)
		}
	}
	if ids["alice"] {
		t.Error("caller rendered as a member marker")
	}
	if fc.Bearing != 90 {
		t.Errorf("bearing = %v, want 90 in compass mode", fc.Bearing)
	}

	status, env = s.do(t, "carol", http.MethodGet, "/api/v1/trips/"+trip.ID+"/map", nil)
	expectError(t, status, env, http.StatusForbidden, ErrCodeForbidden)
}

func TestHealthEndpoints(t *testing.T) {
	s := setupServer(t, testConfig())

	status, env := s.do(t, "", http.MethodGet, "/api/v1/health/live", nil)
	if status != http.StatusOK || env.Status != "success" {
		t.Fatalf("live = %d", status)
	}

	status, env = s.do(t, "", http.MethodGet, "/api/v1/health/ready", nil)
	var st HealthStatus
	decodeData(t, env, &st)
	if status != http.StatusOK || !st.Database || st.Status != "healthy" {
		t.Fatalf("ready = %d %+v", status, st)
	}

	s.handler.db = failingPinger{}
	s.handler.SetNATSHealth(func() bool { return true })
	status, env = s.do(t, "", http.MethodGet, "/api/v1/health/ready", nil)
	decodeData(t, env, &st)
	if status != http.StatusServiceUnavailable || st.Status != "degraded" || st.NATS == nil || !*st.NATS {
		t.Fatalf("degraded ready = %d %+v", status, st)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimitRequests = 2
	s := setupServer(t, cfg)

	for i := 0; i < 2; i++ {
		if status, env := s.do(t, "alice", http.MethodGet, "/api/v1/trips", nil); status != http.StatusOK {
			t.Fatalf("request %d = %d %+v", i, status, env.Error)
		}
	}
	status, env := s.do(t, "alice", http.MethodGet, "/api/v1/trips", nil)
	expectError(t, status, env, http.StatusTooManyRequests, ErrCodeRateLimited)
}
