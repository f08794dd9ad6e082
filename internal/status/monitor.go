// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package status

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// Clock abstracts wall-clock time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// Transition records a member changing status.
type Transition struct {
	MemberID string
	From     models.MemberStatus
	To       models.MemberStatus
	At       time.Time
}

// Evaluation is the classified view of one snapshot at one instant.
type Evaluation struct {
	At       time.Time
	Statuses map[string]models.MemberStatus
	Members  []models.ConvoyMemberPresence
}

// Monitor re-evaluates the latest presence snapshot on every tick and on
// every new snapshot, reporting status transitions. It never mutates the
// snapshots it is given.
type Monitor struct {
	clock    Clock
	interval time.Duration

	mu       sync.Mutex
	members  []models.ConvoyMemberPresence
	statuses map[string]models.MemberStatus

	onTransition func(Transition)
	onEvaluate   func(Evaluation)
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock overrides the wall clock.
func WithClock(c Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// OnTransition registers the transition callback.
func OnTransition(fn func(Transition)) MonitorOption {
	return func(m *Monitor) { m.onTransition = fn }
}

// OnEvaluate registers a callback invoked after every evaluation, used to
// drive renderers on the same tick.
func OnEvaluate(fn func(Evaluation)) MonitorOption {
	return func(m *Monitor) { m.onEvaluate = fn }
}

// NewMonitor creates a Monitor ticking at interval.
func NewMonitor(interval time.Duration, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	m := &Monitor{
		clock:    SystemClock,
		interval: interval,
		statuses: make(map[string]models.MemberStatus),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update replaces the current snapshot and evaluates it immediately.
func (m *Monitor) Update(members []models.ConvoyMemberPresence) {
	cp := make([]models.ConvoyMemberPresence, len(members))
	for i := range members {
		cp[i] = members[i].Clone()
	}
	m.mu.Lock()
	m.members = cp
	m.mu.Unlock()
	m.Evaluate()
}

// Statuses returns the most recently evaluated statuses.
func (m *Monitor) Statuses() map[string]models.MemberStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.MemberStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// Evaluate classifies the current snapshot against the clock and fires
// callbacks for any transitions. Members that left the snapshot are dropped
// silently.
func (m *Monitor) Evaluate() {
	now := m.clock.Now()

	m.mu.Lock()
	next := make(map[string]models.MemberStatus, len(m.members))
	var transitions []Transition
	for _, p := range m.members {
		s := ForMember(p, now)
		next[p.ID] = s
		if prev, ok := m.statuses[p.ID]; ok && prev != s {
			transitions = append(transitions, Transition{MemberID: p.ID, From: prev, To: s, At: now})
		}
	}
	m.statuses = next
	eval := Evaluation{At: now, Statuses: copyStatuses(next), Members: m.members}
	onTransition, onEvaluate := m.onTransition, m.onEvaluate
	m.mu.Unlock()

	counts := make(map[models.MemberStatus]int, len(models.AllStatuses))
	for _, s := range next {
		counts[s]++
	}
	for _, s := range models.AllStatuses {
		metrics.MemberStatusCurrent.WithLabelValues(string(s)).Set(float64(counts[s]))
	}

	for _, tr := range transitions {
		metrics.MemberStatusTransitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
		logging.Debug().
			Str("member_id", tr.MemberID).
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Msg("Member status changed")
		if onTransition != nil {
			onTransition(tr)
		}
	}
	if onEvaluate != nil {
		onEvaluate(eval)
	}
}

// Run ticks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Evaluate()
		}
	}
}

func copyStatuses(in map[string]models.MemberStatus) map[string]models.MemberStatus {
	out := make(map[string]models.MemberStatus, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
