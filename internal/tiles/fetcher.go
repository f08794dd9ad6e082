// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package tiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// maxTileBytes caps a single tile response body.
const maxTileBytes = 4 << 20

// StatusError is a non-200 upstream response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tile upstream returned %d for %s", e.Code, logging.RedactURL(e.URL))
}

// ErrTileTooLarge is returned when an upstream body exceeds maxTileBytes.
var ErrTileTooLarge = errors.New("tile response too large")

// ErrBreakerOpen is returned while the upstream circuit is open.
var ErrBreakerOpen = errors.New("tile upstream circuit open")

// FetcherConfig configures upstream tile requests.
type FetcherConfig struct {
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	UserAgent         string

	// BreakerMaxFailures consecutive failures open the circuit for BreakerTimeout.
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// FetcherConfigFrom reads fetcher settings from config.
func FetcherConfigFrom(cfg config.TilesConfig) FetcherConfig {
	return FetcherConfig{
		RequestsPerSecond:  cfg.RequestsPerSecond,
		Burst:              cfg.Burst,
		Timeout:            cfg.RequestTimeout,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerTimeout:     cfg.BreakerTimeout,
	}
}

// Fetcher downloads tiles from the upstream provider behind a rate limiter
// and a circuit breaker.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	cb        *gobreaker.CircuitBreaker[*models.CachedTileEntry]
	userAgent string
	name      string
}

// NewFetcher creates a Fetcher. A nil transport uses http.DefaultTransport.
func NewFetcher(cfg FetcherConfig, transport http.RoundTripper) *Fetcher {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 10
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "convoy-tile-cache/1.0"
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	name := "tile-upstream"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	maxFailures := cfg.BreakerMaxFailures
	cb := gobreaker.NewCircuitBreaker[*models.CachedTileEntry](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// 4xx means the tile does not exist, not that the provider is down.
		// Cancellation is the caller's doing.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.Code < 500 && se.Code != http.StatusTooManyRequests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &Fetcher{
		client:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, burst),
		cb:        cb,
		userAgent: cfg.UserAgent,
		name:      name,
	}
}

// Fetch downloads one tile. The returned entry is keyed by CacheKey(rawURL).
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*models.CachedTileEntry, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	entry, err := f.cb.Execute(func() (*models.CachedTileEntry, error) {
		return f.get(ctx, rawURL)
	})
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(f.name, "success").Inc()
		return entry, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(f.name, "rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(f.name, "failure").Inc()
		return nil, err
	}
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*models.CachedTileEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build tile request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tile %s: %w", logging.RedactURL(rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read tile %s: %w", logging.RedactURL(rawURL), err)
	}
	if len(body) > maxTileBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTileTooLarge, logging.RedactURL(rawURL), maxTileBytes)
	}

	entry := &models.CachedTileEntry{
		Key:         CacheKey(rawURL),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   time.Now().UTC(),
	}
	if d := resp.Header.Get("Date"); d != "" {
		if t, perr := http.ParseTime(d); perr == nil {
			entry.OriginDate = t.UTC()
		}
	}
	return entry, nil
}

// State returns the breaker state name.
func (f *Fetcher) State() string {
	return f.cb.State().String()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
