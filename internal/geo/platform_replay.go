// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package geo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ReplayPlatform plays back a recorded track, one JSON Fix per line. It
// supports background watches so the distance filter path can be exercised
// from recorded drives.
type ReplayPlatform struct {
	open func() (io.ReadCloser, error)

	// Speed scales the gaps between fix timestamps; 0 replays without delay.
	Speed float64
}

// NewReplayFile replays the JSON-lines track at path.
func NewReplayFile(path string, speed float64) *ReplayPlatform {
	return &ReplayPlatform{
		open:  func() (io.ReadCloser, error) { return os.Open(path) },
		Speed: speed,
	}
}

// NewReplayReader replays from an in-memory track. It can be watched once.
func NewReplayReader(r io.Reader, speed float64) *ReplayPlatform {
	return &ReplayPlatform{
		open:  func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		Speed: speed,
	}
}

func (p *ReplayPlatform) RequestPermission(_ context.Context, background bool) (Permission, error) {
	if background {
		return PermissionBackground, nil
	}
	return PermissionForeground, nil
}

func (p *ReplayPlatform) SupportsBackground() bool { return true }

func (p *ReplayPlatform) WatchForeground(ctx context.Context, _ WatchOptions, onFix func(Fix), onErr func(error)) (Watch, error) {
	return p.start(ctx, onFix, onErr)
}

func (p *ReplayPlatform) WatchBackground(ctx context.Context, _ WatchOptions, onFix func(Fix), onErr func(error)) (Watch, error) {
	return p.start(ctx, onFix, onErr)
}

type replayWatch struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stop cancels playback and waits for the reader goroutine to exit.
func (w *replayWatch) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (p *ReplayPlatform) start(ctx context.Context, onFix func(Fix), onErr func(error)) (Watch, error) {
	rc, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open replay track: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &replayWatch{cancel: cancel}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer rc.Close()
		p.play(ctx, rc, onFix, onErr)
	}()
	return w, nil
}

func (p *ReplayPlatform) play(ctx context.Context, r io.Reader, onFix func(Fix), onErr func(error)) {
	sc := bufio.NewScanner(r)
	var prev time.Time
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var f Fix
		if err := json.Unmarshal(raw, &f); err != nil {
			onErr(fmt.Errorf("replay line %d: %w", line, err))
			continue
		}
		if p.Speed > 0 && !prev.IsZero() && f.Time.After(prev) {
			gap := time.Duration(float64(f.Time.Sub(prev)) / p.Speed)
			timer := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		prev = f.Time
		onFix(f)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		onErr(fmt.Errorf("replay read: %w", err))
	}
}
