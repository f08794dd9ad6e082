// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package storage

import (
	"context"
	"time"

	"github.com/tomtom215/convoy/internal/logging"
)

// Maintainer runs a periodic maintenance task against a store. It
// implements suture.Service.
type Maintainer struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
}

// NewMaintainer creates a Maintainer that runs task every interval.
func NewMaintainer(name string, interval time.Duration, task func(ctx context.Context) error) *Maintainer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Maintainer{name: name, interval: interval, task: task}
}

// GCMaintainer runs value log GC on db every interval.
func GCMaintainer(db *DB, interval time.Duration) *Maintainer {
	return NewMaintainer(db.Name()+"-gc", interval, func(context.Context) error {
		return db.RunGC()
	})
}

// Serve runs until ctx is canceled. Task errors are logged and do not stop the loop.
func (m *Maintainer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	logging.Info().Str("task", m.name).Dur("interval", m.interval).Msg("Store maintenance started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Str("task", m.name).Msg("Store maintenance stopped")
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			if err := m.task(ctx); err != nil {
				logging.Error().Err(err).Str("task", m.name).Msg("Store maintenance failed")
				continue
			}
			logging.Debug().Str("task", m.name).Dur("duration", time.Since(start)).Msg("Store maintenance complete")
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (m *Maintainer) String() string {
	return m.name
}
