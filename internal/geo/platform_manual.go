// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package geo

import (
	"context"
	"sync"
)

// ManualPlatform is a Platform driven by explicit Emit and Fail calls. It is
// used by simulations and tests, and counts open watches so teardown can be
// verified.
type ManualPlatform struct {
	Grant      Permission
	GrantErr   error
	Background bool

	mu       sync.Mutex
	watches  map[*manualWatch]struct{}
	started  int
	requests int
}

// NewManualPlatform returns a platform granting perm.
func NewManualPlatform(perm Permission, background bool) *ManualPlatform {
	return &ManualPlatform{Grant: perm, Background: background, watches: make(map[*manualWatch]struct{})}
}

type manualWatch struct {
	p          *ManualPlatform
	background bool
	onFix      func(Fix)
	onErr      func(error)
}

func (w *manualWatch) Stop() {
	w.p.mu.Lock()
	delete(w.p.watches, w)
	w.p.mu.Unlock()
}

func (p *ManualPlatform) RequestPermission(_ context.Context, background bool) (Permission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.GrantErr != nil {
		return PermissionDenied, p.GrantErr
	}
	if !background && p.Grant == PermissionBackground {
		return PermissionForeground, nil
	}
	return p.Grant, nil
}

func (p *ManualPlatform) SupportsBackground() bool { return p.Background }

func (p *ManualPlatform) WatchForeground(_ context.Context, _ WatchOptions, onFix func(Fix), onErr func(error)) (Watch, error) {
	return p.watch(false, onFix, onErr), nil
}

func (p *ManualPlatform) WatchBackground(_ context.Context, _ WatchOptions, onFix func(Fix), onErr func(error)) (Watch, error) {
	return p.watch(true, onFix, onErr), nil
}

func (p *ManualPlatform) watch(background bool, onFix func(Fix), onErr func(error)) *manualWatch {
	w := &manualWatch{p: p, background: background, onFix: onFix, onErr: onErr}
	p.mu.Lock()
	p.watches[w] = struct{}{}
	p.started++
	p.mu.Unlock()
	return w
}

func (p *ManualPlatform) snapshot() []*manualWatch {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*manualWatch, 0, len(p.watches))
	for w := range p.watches {
		out = append(out, w)
	}
	return out
}

// Emit delivers a fix to every open watch.
func (p *ManualPlatform) Emit(f Fix) {
	for _, w := range p.snapshot() {
		w.onFix(f)
	}
}

// Fail delivers an error to every open watch.
func (p *ManualPlatform) Fail(err error) {
	for _, w := range p.snapshot() {
		w.onErr(err)
	}
}

// OpenWatches returns the number of watches not yet stopped.
func (p *ManualPlatform) OpenWatches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

// BackgroundWatchOpen reports whether a background watch is running.
func (p *ManualPlatform) BackgroundWatchOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for w := range p.watches {
		if w.background {
			return true
		}
	}
	return false
}

// PermissionRequests returns how many times permission was requested.
func (p *ManualPlatform) PermissionRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}
