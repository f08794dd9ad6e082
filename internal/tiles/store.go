// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package tiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/storage"
)

const (
	prefixTile = "tile:"

	// DefaultMaxAge is how long a tile stays usable.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// ErrNotCached is returned by Store.Get for keys that are absent or expired.
var ErrNotCached = errors.New("tile not cached")

// Usage summarizes cache occupancy.
type Usage struct {
	Tiles int   `json:"tiles"`
	Bytes int64 `json:"bytes"`
}

// Store persists tile responses in Badger, keyed by CacheKey. Entries carry
// a Badger TTL of MaxAge from download, and reads additionally treat an
// entry as expired once its origin Date is older than MaxAge.
type Store struct {
	db     *storage.DB
	maxAge time.Duration
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the wall clock used for expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// OpenStore opens the tile store at opts.
func OpenStore(opts storage.Options, maxAge time.Duration, options ...StoreOption) (*Store, error) {
	db, err := storage.Open("tiles", opts)
	if err != nil {
		return nil, err
	}
	return NewStore(db, maxAge, options...), nil
}

// NewStore wraps an already open database.
func NewStore(db *storage.DB, maxAge time.Duration, options ...StoreOption) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	s := &Store{db: db, maxAge: maxAge, now: time.Now}
	for _, o := range options {
		o(s)
	}
	return s
}

// DB exposes the underlying store for maintenance services.
func (s *Store) DB() *storage.DB { return s.db }

// MaxAge returns the configured entry lifetime.
func (s *Store) MaxAge() time.Duration { return s.maxAge }

func tileKey(cacheKey string) []byte {
	return []byte(prefixTile + cacheKey)
}

func (s *Store) expired(e *models.CachedTileEntry) bool {
	return s.now().Sub(e.CreatedAt()) > s.maxAge
}

// Get returns the entry for a canonical key, or ErrNotCached.
func (s *Store) Get(_ context.Context, key string) (*models.CachedTileEntry, error) {
	var entry models.CachedTileEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tileKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("get tile %s: %w", key, err)
	}
	if s.expired(&entry) {
		return nil, ErrNotCached
	}
	return &entry, nil
}

// Has reports whether a fresh entry exists for key.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotCached) {
		return false, nil
	}
	return err == nil, err
}

// Put stores entry under entry.Key. FetchedAt defaults to now.
func (s *Store) Put(_ context.Context, entry *models.CachedTileEntry) error {
	if entry.Key == "" {
		return errors.New("tile entry has no key")
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = s.now()
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal tile %s: %w", entry.Key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(tileKey(entry.Key), val).WithTTL(s.maxAge))
	})
	if err != nil {
		return fmt.Errorf("put tile %s: %w", entry.Key, err)
	}
	return nil
}

// Delete removes one entry. Deleting an absent key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(tileKey(key))
	})
}

// Clear removes every tile.
func (s *Store) Clear(_ context.Context) error {
	if err := s.db.DropPrefix([]byte(prefixTile)); err != nil {
		return fmt.Errorf("clear tiles: %w", err)
	}
	metrics.TileCacheBytes.Set(0)
	logging.Info().Msg("Tile cache cleared")
	return nil
}

// Size counts entries and their body bytes, including stale entries not
// yet swept.
func (s *Store) Size(_ context.Context) (Usage, error) {
	var u Usage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTile)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry models.CachedTileEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			u.Tiles++
			u.Bytes += int64(len(entry.Body))
		}
		return nil
	})
	if err != nil {
		return Usage{}, fmt.Errorf("size tiles: %w", err)
	}
	metrics.TileCacheBytes.Set(float64(u.Bytes))
	return u, nil
}

// Sweep deletes entries older than MaxAge and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTile)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var entry models.CachedTileEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				// Unreadable entries are evicted too.
				stale = append(stale, item.KeyCopy(nil))
				continue
			}
			if s.expired(&entry) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep tiles: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return 0, fmt.Errorf("sweep tiles: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("sweep tiles: %w", err)
	}

	metrics.TileEvictions.Add(float64(len(stale)))
	logging.Info().Int("evicted", len(stale)).Msg("Expired tiles swept")
	return len(stale), nil
}

// SweepService returns a supervised service that sweeps every interval.
func (s *Store) SweepService(interval time.Duration) *storage.Maintainer {
	return storage.NewMaintainer("tile-sweep", interval, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
