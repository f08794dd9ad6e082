// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package status

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func TestStatus(t *testing.T) {
	t.Parallel()

	const now = int64(1_800_000_000_000)
	f := models.Float

	tests := []struct {
		name       string
		lastUpdate int64
		speed      *float64
		want       models.MemberStatus
	}{
		{"absent speed", now - 1000, nil, models.StatusStopped},
		{"crawling", now - 1000, f(0.5), models.StatusStopped},
		{"exactly one", now - 1000, f(1), models.StatusSlow},
		{"town speed", now - 1000, f(19.99), models.StatusSlow},
		{"exactly twenty", now - 1000, f(20), models.StatusMoving},
		{"highway", now, f(110), models.StatusMoving},
		{"boundary not stale", now - 30000, f(60), models.StatusMoving},
		{"just stale", now - 30001, f(60), models.StatusOffline},
		{"stale overrides speed", now - 40000, f(25), models.StatusOffline},
		{"stale without speed", now - 90000, nil, models.StatusOffline},
		{"future timestamp", now + 5000, f(5), models.StatusSlow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Status(tt.lastUpdate, tt.speed, now); got != tt.want {
				t.Errorf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStatusColorTotal(t *testing.T) {
	t.Parallel()

	seen := make(map[Color]models.MemberStatus)
	for _, s := range models.AllStatuses {
		c := StatusColor(s)
		if c == "" {
			t.Errorf("StatusColor(%s) is empty", s)
		}
		if other, dup := seen[c]; dup {
			t.Errorf("StatusColor(%s) collides with %s", s, other)
		}
		seen[c] = s
	}
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// A member at 60 km/h goes silent; time alone must carry them to offline,
// and resuming at 10 km/h brings them back as slow.
func TestMonitorSilentMemberGoesOffline(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 7, 4, 9, 0, 0, 0, time.UTC)}
	var transitions []Transition
	m := NewMonitor(time.Second,
		WithClock(clock),
		OnTransition(func(tr Transition) { transitions = append(transitions, tr) }),
	)

	m.Update([]models.ConvoyMemberPresence{
		{ID: "a", Speed: models.Float(60), LastUpdate: clock.Now().UnixMilli()},
	})
	if got := m.Statuses()["a"]; got != models.StatusMoving {
		t.Fatalf("initial status = %s, want moving", got)
	}

	for i := 0; i < 35; i++ {
		clock.Advance(time.Second)
		m.Evaluate()
	}
	if got := m.Statuses()["a"]; got != models.StatusOffline {
		t.Fatalf("status after 35s silence = %s, want offline", got)
	}
	if len(transitions) != 1 || transitions[0].From != models.StatusMoving || transitions[0].To != models.StatusOffline {
		t.Fatalf("transitions = %+v, want one moving->offline", transitions)
	}

	m.Update([]models.ConvoyMemberPresence{
		{ID: "a", Speed: models.Float(10), LastUpdate: clock.Now().UnixMilli()},
	})
	if got := m.Statuses()["a"]; got != models.StatusSlow {
		t.Fatalf("status after resume = %s, want slow", got)
	}
	if len(transitions) != 2 || transitions[1].To != models.StatusSlow {
		t.Errorf("transitions = %+v, want offline->slow second", transitions)
	}
}

func TestMonitorDoesNotMutateSnapshot(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_000_000)}
	m := NewMonitor(time.Second, WithClock(clock))

	snapshot := []models.ConvoyMemberPresence{{ID: "b", Speed: models.Float(30), LastUpdate: 1_000_000}}
	m.Update(snapshot)
	*snapshot[0].Speed = 0
	m.Evaluate()

	if got := m.Statuses()["b"]; got != models.StatusMoving {
		t.Errorf("status = %s, want moving; monitor must hold its own copy", got)
	}
}
