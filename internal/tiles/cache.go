// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package tiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// Backend names accepted by NewCache.
const (
	BackendAuto   = "auto"
	BackendProxy  = "proxy"
	BackendDirect = "direct"
)

// CacheStatusHeader is set on responses served by ProxyCache.
const (
	CacheStatusHeader = "X-Tile-Cache"
	fetchedAtHeader   = "X-Tile-Fetched-At"
)

// ErrNoInterception is returned when the proxy backend is requested on a
// host that cannot route tile traffic through it.
var ErrNoInterception = errors.New("proxy tile cache requires request interception")

// Cache is the tile cache contract shared by both backends. Fetch is
// cache-first and populates the cache on a successful network fetch.
type Cache interface {
	Name() string
	Has(ctx context.Context, rawURL string) (bool, error)
	Fetch(ctx context.Context, rawURL string) (*models.CachedTileEntry, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (Usage, error)
}

// Capabilities describe what the host can offer a cache backend.
type Capabilities struct {
	// Intercept is true when tile requests flow through an http.Client or
	// handler that this process constructs.
	Intercept bool
}

// NewCache selects a backend by name; "auto" picks the proxy when the host
// can intercept tile requests and the direct store otherwise.
func NewCache(backend string, caps Capabilities, store *Store, fetcher *Fetcher) (Cache, error) {
	switch backend {
	case BackendProxy:
		if !caps.Intercept {
			return nil, ErrNoInterception
		}
		return NewProxyCache(store, fetcher), nil
	case BackendDirect:
		return NewDirectCache(store, fetcher), nil
	case BackendAuto, "":
		if caps.Intercept {
			return NewProxyCache(store, fetcher), nil
		}
		return NewDirectCache(store, fetcher), nil
	default:
		return nil, fmt.Errorf("unknown tile cache backend %q", backend)
	}
}

// storeCache holds the operations both backends answer straight from the store.
type storeCache struct {
	store   *Store
	fetcher *Fetcher
}

func (c *storeCache) Has(ctx context.Context, rawURL string) (bool, error) {
	return c.store.Has(ctx, CacheKey(rawURL))
}

func (c *storeCache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}

func (c *storeCache) Size(ctx context.Context) (Usage, error) {
	return c.store.Size(ctx)
}

// lookup returns a fresh cached entry, or nil on a miss.
func (c *storeCache) lookup(ctx context.Context, key string) (*models.CachedTileEntry, error) {
	entry, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrNotCached) {
		metrics.TileCacheMisses.Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.TileCacheHits.Inc()
	return entry, nil
}

func (c *storeCache) fetchAndStore(ctx context.Context, rawURL string) (*models.CachedTileEntry, error) {
	entry, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if err := c.store.Put(ctx, entry); err != nil {
		// The tile is still usable for this request.
		logging.Warn().Err(err).Str("key", entry.Key).Msg("Failed to cache tile")
	}
	return entry, nil
}

// DirectCache reads and writes the store explicitly around each download.
type DirectCache struct {
	storeCache
}

// NewDirectCache creates a DirectCache.
func NewDirectCache(store *Store, fetcher *Fetcher) *DirectCache {
	return &DirectCache{storeCache{store: store, fetcher: fetcher}}
}

func (c *DirectCache) Name() string { return BackendDirect }

// Fetch returns the cached tile or downloads and stores it.
func (c *DirectCache) Fetch(ctx context.Context, rawURL string) (*models.CachedTileEntry, error) {
	entry, err := c.lookup(ctx, CacheKey(rawURL))
	if err != nil || entry != nil {
		return entry, err
	}
	return c.fetchAndStore(ctx, rawURL)
}

// ProxyCache is an http.RoundTripper that answers GET requests from the
// store before touching the network. Any http.Client using it as Transport
// gets the offline cache transparently.
type ProxyCache struct {
	storeCache
	next   http.RoundTripper
	client *http.Client
}

// NewProxyCache creates a ProxyCache. Non-GET requests pass through to
// http.DefaultTransport.
func NewProxyCache(store *Store, fetcher *Fetcher) *ProxyCache {
	p := &ProxyCache{
		storeCache: storeCache{store: store, fetcher: fetcher},
		next:       http.DefaultTransport,
	}
	p.client = &http.Client{Transport: p}
	return p
}

func (p *ProxyCache) Name() string { return BackendProxy }

// Client returns an http.Client whose requests go through the cache.
func (p *ProxyCache) Client() *http.Client { return p.client }

// RoundTrip implements http.RoundTripper.
func (p *ProxyCache) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return p.next.RoundTrip(req)
	}

	entry, err := p.lookup(req.Context(), CacheKey(req.URL.String()))
	if err != nil {
		return nil, err
	}
	status := "HIT"
	if entry == nil {
		status = "MISS"
		entry, err = p.fetchAndStore(req.Context(), req.URL.String())
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) {
				return statusResponse(req, se.Code), nil
			}
			return nil, err
		}
	}
	return entryResponse(req, entry, status), nil
}

// Fetch issues a GET through the proxy and decodes the cached entry.
func (p *ProxyCache) Fetch(ctx context.Context, rawURL string) (*models.CachedTileEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	entry := &models.CachedTileEntry{
		Key:         CacheKey(rawURL),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	if t, perr := http.ParseTime(resp.Header.Get("Date")); perr == nil {
		entry.OriginDate = t.UTC()
	}
	if t, perr := time.Parse(time.RFC3339, resp.Header.Get(fetchedAtHeader)); perr == nil {
		entry.FetchedAt = t
	}
	return entry, nil
}

func entryResponse(req *http.Request, e *models.CachedTileEntry, cacheStatus string) *http.Response {
	h := make(http.Header)
	if e.ContentType != "" {
		h.Set("Content-Type", e.ContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	h.Set(CacheStatusHeader, cacheStatus)
	if !e.OriginDate.IsZero() {
		h.Set("Date", e.OriginDate.Format(http.TimeFormat))
	}
	h.Set(fetchedAtHeader, e.FetchedAt.UTC().Format(time.RFC3339))
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func statusResponse(req *http.Request, code int) *http.Response {
	return &http.Response{
		Status:     strconv.Itoa(code) + " " + http.StatusText(code),
		StatusCode: code,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{CacheStatusHeader: []string{"MISS"}},
		Body:       http.NoBody,
		Request:    req,
	}
}
