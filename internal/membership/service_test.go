// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package membership

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/convoy/internal/authz"
	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/database"
	"github.com/tomtom215/convoy/internal/events"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/validation"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

var testDBSemaphore = make(chan struct{}, 1)

type fixture struct {
	svc   *Service
	db    *database.DB
	feed  *events.Feed
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2026, 8, 14, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	testDBSemaphore <- struct{}{}
	t.Cleanup(func() { <-testDBSemaphore })

	feed := events.NewInProcessFeed()
	t.Cleanup(func() { _ = feed.Close() })

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", Threads: 2}, feed)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	enf, err := authz.NewEnforcer(authz.DefaultEnforcerConfig())
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}

	clock := &fakeClock{now: t0}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{svc: NewService(db, enf, opts...), db: db, feed: feed, clock: clock}
}

func (f *fixture) trip(t *testing.T, owner string) *models.Trip {
	t.Helper()
	trip, err := f.svc.CreateTrip(context.Background(), owner, TripRequest{
		Name:        "Highway 1",
		Destination: &models.Position{Lon: -121.9, Lat: 36.6},
	})
	if err != nil {
		t.Fatalf("CreateTrip: %v", err)
	}
	return trip
}

func (f *fixture) join(t *testing.T, tripID, leader, user string) {
	t.Helper()
	inv, err := f.svc.CreateInvite(context.Background(), tripID, leader)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if _, err := f.svc.AcceptInvite(context.Background(), inv.Code, user, f.clock.Now()); err != nil {
		t.Fatalf("AcceptInvite(%s): %v", user, err)
	}
}

func TestCreateTripMakesOwnerLeader(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")

	if trip.Status != models.TripPlanned || !trip.CreatedAt.Equal(t0) {
		t.Errorf("trip = %+v", trip)
	}
	members, err := f.svc.ActiveMembers(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].UserID != "alice" || !members[0].IsLeader {
		t.Fatalf("members = %+v", members)
	}

	if _, err := f.svc.CreateTrip(ctx, "alice", TripRequest{}); err == nil {
		t.Error("expected validation error for empty name")
	}
	if _, err := f.svc.GetTrip(ctx, "nope"); !errors.Is(err, ErrTripNotFound) {
		t.Errorf("GetTrip(nope) err = %v", err)
	}
	if _, err := f.svc.ActiveMembers(ctx, "nope"); !errors.Is(err, ErrTripNotFound) {
		t.Errorf("ActiveMembers(nope) err = %v", err)
	}
}

func TestInviteExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")

	first, err := f.svc.CreateInvite(ctx, trip.ID, "alice")
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if !first.ExpiresAt.Equal(t0.Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", first.ExpiresAt)
	}
	second, err := f.svc.CreateInvite(ctx, trip.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.AcceptInvite(ctx, first.Code, "bob", t0.Add(23*time.Hour)); err != nil {
		t.Fatalf("accept at +23h: %v", err)
	}
	if ok, _ := f.svc.IsActiveMember(ctx, trip.ID, "bob"); !ok {
		t.Error("bob should be an active member")
	}

	if _, err := f.svc.AcceptInvite(ctx, second.Code, "carol", t0.Add(25*time.Hour)); !errors.Is(err, ErrInviteExpired) {
		t.Fatalf("accept at +25h err = %v, want ErrInviteExpired", err)
	}
	stored, err := f.db.GetInviteByCode(ctx, second.Code)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.InvitePending {
		t.Errorf("expired invite status = %s, want pending", stored.Status)
	}
	if ok, _ := f.svc.IsActiveMember(ctx, trip.ID, "carol"); ok {
		t.Error("carol must not have joined")
	}
}

func TestInviteAnswersAreTerminal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")

	inv, err := f.svc.CreateInvite(ctx, trip.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	declined, err := f.svc.DeclineInvite(ctx, inv.Code, "bob", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeclineInvite: %v", err)
	}
	if declined.Status != models.InviteDeclined {
		t.Errorf("status = %s", declined.Status)
	}
	if _, err := f.svc.AcceptInvite(ctx, inv.Code, "bob", t0.Add(2*time.Hour)); !errors.Is(err, ErrInviteNotPending) {
		t.Errorf("accept after decline err = %v", err)
	}
	if _, err := f.svc.DeclineInvite(ctx, inv.Code, "bob", t0.Add(2*time.Hour)); !errors.Is(err, ErrInviteNotPending) {
		t.Errorf("second decline err = %v", err)
	}

	if _, err := f.svc.AcceptInvite(ctx, "QQQQQQ", "bob", t0); !errors.Is(err, ErrInviteNotFound) {
		t.Errorf("unknown code err = %v", err)
	}
	if _, err := f.svc.AcceptInvite(ctx, "bad-code", "bob", t0); !errors.Is(err, ErrInviteNotFound) {
		t.Errorf("malformed code err = %v", err)
	}
}

func TestAcceptInviteNormalizesCodeAndRejectsMembers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")

	inv, err := f.svc.CreateInvite(ctx, trip.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AcceptInvite(ctx, "alice-is-leader", "alice", t0); !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.svc.AcceptInvite(ctx, inv.Code, "alice", t0); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("leader accepting own invite err = %v, want ErrAlreadyMember", err)
	}
	m, err := f.svc.AcceptInvite(ctx, "  "+strings.ToLower(inv.Code)+" ", "bob", t0)
	if err != nil {
		t.Fatalf("lower-case code: %v", err)
	}
	if m.IsLeader || m.Status != models.MemberActive {
		t.Errorf("member = %+v", m)
	}
}

func TestLeaderOnlyActions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")
	f.join(t, trip.ID, "alice", "bob")

	if _, err := f.svc.CreateInvite(ctx, trip.ID, "bob"); !errors.Is(err, ErrNotLeader) {
		t.Errorf("member CreateInvite err = %v, want ErrNotLeader", err)
	}
	if _, err := f.svc.StartTrip(ctx, trip.ID, "bob"); !errors.Is(err, ErrNotLeader) {
		t.Errorf("member StartTrip err = %v", err)
	}
	if err := f.svc.TransferLeadership(ctx, trip.ID, "bob", "bob"); !errors.Is(err, ErrNotLeader) {
		t.Errorf("member transfer err = %v", err)
	}
	if _, err := f.svc.CreateInvite(ctx, trip.ID, "mallory"); !errors.Is(err, ErrNotMember) {
		t.Errorf("outsider CreateInvite err = %v, want ErrNotMember", err)
	}
	if _, err := f.svc.ListInvites(ctx, trip.ID, "alice"); err != nil {
		t.Errorf("leader ListInvites: %v", err)
	}

	started, err := f.svc.StartTrip(ctx, trip.ID, "alice")
	if err != nil || started.Status != models.TripActive {
		t.Fatalf("StartTrip = %+v, %v", started, err)
	}
	if _, err := f.svc.StartTrip(ctx, trip.ID, "alice"); !errors.Is(err, ErrTripState) {
		t.Errorf("second StartTrip err = %v", err)
	}

	if err := f.svc.TransferLeadership(ctx, trip.ID, "alice", "bob"); err != nil {
		t.Fatalf("TransferLeadership: %v", err)
	}
	if _, err := f.svc.CreateInvite(ctx, trip.ID, "alice"); !errors.Is(err, ErrNotLeader) {
		t.Errorf("former leader CreateInvite err = %v", err)
	}
	if err := f.svc.TransferLeadership(ctx, trip.ID, "bob", "mallory"); !errors.Is(err, ErrNotMember) {
		t.Errorf("transfer to outsider err = %v", err)
	}
}

func TestEndTripCompletesMembership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")
	f.join(t, trip.ID, "alice", "bob")

	ended, err := f.svc.EndTrip(ctx, trip.ID, "alice")
	if err != nil || ended.Status != models.TripCompleted {
		t.Fatalf("EndTrip = %+v, %v", ended, err)
	}
	members, err := f.svc.ActiveMembers(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Errorf("active members = %+v", members)
	}
	if ok, _ := f.svc.CanJoin(ctx, trip.ID, "bob"); ok {
		t.Error("completed member must not join presence")
	}
	hist, err := f.db.MemberHistory(ctx, trip.ID, "bob")
	if err != nil || len(hist) != 2 || hist[1].ToStatus != models.MemberCompleted {
		t.Errorf("bob history = %+v, %v", hist, err)
	}
}

func TestLeaveAndRejoin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")
	f.join(t, trip.ID, "alice", "bob")

	if ok, _ := f.svc.CanJoin(ctx, trip.ID, "bob"); !ok {
		t.Fatal("bob should be able to join presence")
	}
	if err := f.svc.Leave(ctx, trip.ID, "bob"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if ok, _ := f.svc.CanJoin(ctx, trip.ID, "bob"); ok {
		t.Error("bob left and must not join presence")
	}
	if err := f.svc.Leave(ctx, trip.ID, "bob"); !errors.Is(err, ErrNotMember) {
		t.Errorf("second Leave err = %v, want ErrNotMember", err)
	}

	f.join(t, trip.ID, "alice", "bob")
	if ok, _ := f.svc.IsActiveMember(ctx, trip.ID, "bob"); !ok {
		t.Error("bob should be active again")
	}
}

func TestLeaderLeavingHandsOverLeadership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")
	f.clock.Set(t0.Add(time.Minute))
	f.join(t, trip.ID, "alice", "bob")
	f.clock.Set(t0.Add(2 * time.Minute))
	f.join(t, trip.ID, "alice", "carol")

	if err := f.svc.Leave(ctx, trip.ID, "alice"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	members, err := f.svc.ActiveMembers(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0].UserID != "bob" || !members[0].IsLeader || members[1].IsLeader {
		t.Fatalf("members = %+v", members)
	}
}

func TestRecordPoints(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	trip := f.trip(t, "alice")

	samples := []models.LocationSample{
		{Position: models.Position{Lon: -121.9, Lat: 36.6}, Speed: models.Float(80), Timestamp: 1_000},
		{Position: models.Position{Lon: -121.8, Lat: 36.7}, Timestamp: 2_000},
	}
	n, err := f.svc.RecordPoints(ctx, trip.ID, "alice", samples)
	if err != nil || n != 2 {
		t.Fatalf("RecordPoints = %d, %v", n, err)
	}
	if n, err := f.svc.RecordPoints(ctx, trip.ID, "alice", samples); err != nil || n != 0 {
		t.Errorf("resync = %d, %v; want 0 new", n, err)
	}
	if _, err := f.svc.RecordPoints(ctx, trip.ID, "mallory", samples); !errors.Is(err, ErrNotMember) {
		t.Errorf("outsider err = %v", err)
	}

	bad := []models.LocationSample{{Position: models.Position{Lon: 0, Lat: 95}, Timestamp: 3_000}}
	_, err = f.svc.RecordPoints(ctx, trip.ID, "alice", bad)
	var verr *validation.RequestValidationError
	if !errors.As(err, &verr) {
		t.Errorf("invalid latitude err = %v, want validation error", err)
	}

	pts, err := f.svc.TrackPoints(ctx, "alice", database.PointQuery{TripID: trip.ID})
	if err != nil || len(pts) != 2 {
		t.Fatalf("TrackPoints = %+v, %v", pts, err)
	}
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateCode(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		if !validation.IsInviteCode(code) {
			t.Fatalf("code %q not in alphabet", code)
		}
	}
	// Every byte value maps into the alphabet.
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	r := bytes.NewReader(all)
	for r.Len() >= validation.InviteCodeLength {
		code, err := GenerateCode(r)
		if err != nil {
			t.Fatal(err)
		}
		if !validation.IsInviteCode(code) {
			t.Fatalf("code %q not in alphabet", code)
		}
	}
	if _, err := GenerateCode(bytes.NewReader(nil)); err == nil {
		t.Error("expected error from exhausted reader")
	}
}

func TestCreateInviteRetriesCodeCollisions(t *testing.T) {
	// A fixed random source yields the same code twice; the second invite
	// must get a fresh one from the following bytes.
	src := bytes.NewReader(append(bytes.Repeat([]byte{0}, 12), 1, 1, 1, 1, 1, 1))
	f := setup(t, WithRandom(src))
	ctx := context.Background()
	trip := f.trip(t, "alice")

	a, err := f.svc.CreateInvite(ctx, trip.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.CreateInvite(ctx, trip.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.Code != "AAAAAA" || b.Code != "BBBBBB" {
		t.Errorf("codes = %s, %s", a.Code, b.Code)
	}
}
