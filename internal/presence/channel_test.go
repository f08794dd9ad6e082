// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package presence

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/models"
	hubws "github.com/tomtom215/convoy/internal/websocket"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

type testHub struct {
	hub *hubws.Hub
	url string
	// stall makes the endpoint accept connections and never answer.
	stall atomic.Bool
}

// bearerIdentity treats the bearer token as the member ID.
func bearerIdentity(r *http.Request) (string, error) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" {
		return "", hubws.ErrUnauthenticated
	}
	return tok, nil
}

type onlyMembers map[string]bool

func (m onlyMembers) CanJoin(_ context.Context, _, userID string) (bool, error) {
	return m[userID], nil
}

func startHub(t *testing.T, auth hubws.Authorizer) *testHub {
	t.Helper()
	th := &testHub{hub: hubws.NewHub(hubws.HubConfig{}, auth)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = th.hub.Serve(ctx)
		close(done)
	}()

	join := hubws.NewHandler(th.hub, bearerIdentity)
	upgrader := websocket.Upgrader{}
	r := chi.NewRouter()
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if th.stall.Load() {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_, _, _ = conn.ReadMessage()
			return
		}
		join.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		cancel()
		<-done
	})
	th.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return th
}

func (th *testHub) channel(member string, opts ...Option) *Channel {
	return NewChannel(Config{
		URL:            th.url,
		TripID:         "t1",
		MemberID:       member,
		Token:          member,
		ConnectTimeout: 2 * time.Second,
	}, opts...)
}

func join(t *testing.T, c *Channel) {
	t.Helper()
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	t.Cleanup(func() { _ = c.LeaveConvoy(context.Background()) })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func ids(members []models.ConvoyMemberPresence) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.ID
	}
	return out
}

func hasMember(c *Channel, id string) bool {
	for _, m := range c.Members() {
		if m.ID == id {
			return true
		}
	}
	return false
}

func at(lon, lat float64) models.ConvoyMemberPresence {
	return models.ConvoyMemberPresence{Position: models.Position{Lon: lon, Lat: lat}, Speed: models.Float(50)}
}

func TestJoinAndSyncExcludesSelf(t *testing.T) {
	th := startHub(t, nil)
	alice := th.channel("alice")
	bob := th.channel("bob")
	carol := th.channel("carol")

	if alice.State() != StateDisconnected {
		t.Fatalf("initial state = %s", alice.State())
	}
	join(t, alice)
	join(t, bob)
	join(t, carol)
	if !alice.IsConnected() {
		t.Fatalf("state after Join = %s", alice.State())
	}

	ctx := context.Background()
	for _, c := range []*Channel{carol, alice, bob} {
		if err := c.UpdatePosition(ctx, at(13.4, 52.5)); err != nil {
			t.Fatalf("UpdatePosition() error = %v", err)
		}
	}

	eventually(t, "two peers on every channel", func() bool {
		return len(alice.Members()) == 2 && len(bob.Members()) == 2 && len(carol.Members()) == 2
	})
	for _, c := range []*Channel{alice, bob, carol} {
		got := ids(c.Members())
		for _, id := range got {
			if id == c.cfg.MemberID {
				t.Errorf("%s sees itself: %v", c.cfg.MemberID, got)
			}
		}
		if got[0] > got[1] {
			t.Errorf("members not sorted: %v", got)
		}
	}

	// Later syncs keep excluding self.
	if err := alice.UpdatePosition(ctx, at(13.5, 52.6)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob sees alice's move", func() bool {
		for _, m := range bob.Members() {
			if m.ID == "alice" && m.Position.Lon == 13.5 {
				return true
			}
		}
		return false
	})
	if hasMember(alice, "alice") {
		t.Error("alice sees herself after a later sync")
	}
}

func TestUpdatePositionWhileDisconnectedIsNoop(t *testing.T) {
	c := NewChannel(Config{URL: "ws://127.0.0.1:1/ws", TripID: "t1", MemberID: "alice"})
	if err := c.UpdatePosition(context.Background(), at(1, 1)); err != nil {
		t.Errorf("UpdatePosition() error = %v, want nil", err)
	}
	if c.State() != StateDisconnected || c.Err() != nil {
		t.Errorf("state = %s, err = %v", c.State(), c.Err())
	}
}

func TestUpdatePositionRejectsInvalidPresence(t *testing.T) {
	th := startHub(t, nil)
	alice := th.channel("alice")
	join(t, alice)

	if err := alice.UpdatePosition(context.Background(), at(13.4, 91)); err == nil {
		t.Error("UpdatePosition() accepted latitude 91")
	}
	if !alice.IsConnected() {
		t.Error("a rejected payload disconnected the channel")
	}
}

func TestConnectTimeoutThenRejoin(t *testing.T) {
	th := startHub(t, nil)
	th.stall.Store(true)

	c := NewChannel(Config{URL: th.url, TripID: "t1", MemberID: "alice", Token: "alice", ConnectTimeout: 150 * time.Millisecond})
	start := time.Now()
	err := c.Join(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Join() error = %v, want ErrConnectTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Join() took %v", elapsed)
	}
	if c.State() != StateError || c.Err() == nil {
		t.Errorf("state = %s, err = %v, want error state", c.State(), c.Err())
	}

	th.stall.Store(false)
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("re-Join() error = %v", err)
	}
	defer c.LeaveConvoy(context.Background())
	if !c.IsConnected() || c.Err() != nil {
		t.Errorf("after re-join state = %s, err = %v", c.State(), c.Err())
	}
}

func TestJoinRejectedByHub(t *testing.T) {
	th := startHub(t, onlyMembers{"alice": true})
	eve := th.channel("eve")

	err := eve.Join(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("Join() error = %v, want 403", err)
	}
	if eve.State() != StateError {
		t.Errorf("state = %s, want error", eve.State())
	}
}

func TestLeaveIsIntentional(t *testing.T) {
	th := startHub(t, nil)

	var mu sync.Mutex
	var hints []models.PresenceHint
	bob := th.channel("bob", WithHints(func(frameType string, h models.PresenceHint) {
		if frameType == models.FrameLeave {
			mu.Lock()
			hints = append(hints, h)
			mu.Unlock()
		}
	}))
	join(t, bob)

	alice := th.channel("alice")
	if err := alice.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := alice.UpdatePosition(context.Background(), at(1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := bob.UpdatePosition(context.Background(), at(2, 2)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice sees bob", func() bool { return hasMember(alice, "bob") })

	if err := alice.LeaveConvoy(context.Background()); err != nil {
		t.Fatalf("LeaveConvoy() error = %v", err)
	}
	if alice.Dropped() {
		t.Error("Dropped() = true after an intentional leave")
	}
	if alice.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", alice.State())
	}
	if n := len(alice.Members()); n != 0 {
		t.Errorf("members after leave = %d", n)
	}

	eventually(t, "bob loses alice", func() bool { return !hasMember(bob, "alice") })
	eventually(t, "leave hint", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hints) == 1
	})
	if hints[0].MemberID != "alice" || hints[0].Reason != models.LeaveReasonLeft {
		t.Errorf("hint = %+v", hints[0])
	}

	// Leaving twice is harmless.
	if err := alice.LeaveConvoy(context.Background()); err != nil {
		t.Errorf("second LeaveConvoy() error = %v", err)
	}
}

func TestDropIsReported(t *testing.T) {
	th := startHub(t, nil)
	alice := th.channel("alice")
	join(t, alice)

	th.hub.Evict("t1", "alice")

	eventually(t, "drop", func() bool { return alice.State() == StateDisconnected })
	if !alice.Dropped() {
		t.Error("Dropped() = false after the hub closed the connection")
	}
	if !errors.Is(alice.Err(), ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", alice.Err())
	}

	if err := alice.Join(context.Background()); err != nil {
		t.Fatalf("re-Join() after drop error = %v", err)
	}
	if alice.Dropped() {
		t.Error("Dropped() still set after re-join")
	}
}

func TestSubscribersReceiveCopies(t *testing.T) {
	th := startHub(t, nil)
	alice := th.channel("alice")
	bob := th.channel("bob")

	got := make(chan []models.ConvoyMemberPresence, 16)
	unsubscribe := alice.Subscribe(func(m []models.ConvoyMemberPresence) { got <- m })
	join(t, alice)
	join(t, bob)
	if err := bob.UpdatePosition(context.Background(), at(5, 5)); err != nil {
		t.Fatal(err)
	}

	var snapshot []models.ConvoyMemberPresence
	timeout := time.After(3 * time.Second)
	for len(snapshot) == 0 {
		select {
		case snapshot = <-got:
		case <-timeout:
			t.Fatal("no snapshot with bob delivered")
		}
	}
	snapshot[0].Position.Lon = 99
	*snapshot[0].Speed = 0
	if m := alice.Members(); m[0].Position.Lon != 5 || *m[0].Speed != 50 {
		t.Errorf("subscriber mutation leaked into Members(): %+v", m[0])
	}

	unsubscribe()
	unsubscribe()
}

func TestPublishRacingLeave(t *testing.T) {
	th := startHub(t, nil)
	alice := th.channel("alice")
	if err := alice.Join(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := alice.UpdatePosition(context.Background(), at(float64(g), float64(i)/10)); err != nil {
					errs <- err
				}
			}
		}(g)
	}
	if err := alice.LeaveConvoy(context.Background()); err != nil {
		t.Errorf("LeaveConvoy() error = %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("UpdatePosition() during leave error = %v", err)
	}
}
