// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package buffer is the durable offline queue for location samples recorded
// while the device has no connection.
//
// Points are keyed pt:{trip}:{timestamp}:{seq}, with both numbers zero
// padded, so Badger's lexicographic key order is timestamp order within a
// trip. The device sequence keeps two samples from the same millisecond from
// overwriting each other.
//
// Draining does not delete anything. After the drained points have been
// synced, ClearDrained removes exactly those keys, so points buffered while
// the sync was in flight survive for the next drain.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/storage"
)

const (
	prefixPoint = "pt:"
	sequenceKey = "seq:points"

	// sequenceBandwidth is how many sequence numbers Badger leases at a time.
	sequenceBandwidth = 256
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = storage.ErrClosed

	// ErrInvalidTripID rejects trip IDs that would break key framing.
	ErrInvalidTripID = errors.New("trip id must not contain ':'")

	// ErrInvalidTimestamp rejects samples without a timestamp.
	ErrInvalidTimestamp = errors.New("sample timestamp must be positive")
)

// Config configures a Buffer.
type Config struct {
	Store storage.Options

	// MaxAge expires buffered points via Badger TTL. Zero disables expiry.
	MaxAge time.Duration
}

// Batch is a drained set of points together with the exact keys they were
// read from.
type Batch struct {
	TripID string
	Points []models.BufferedPoint

	keys [][]byte
}

// Len returns the number of points in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Points)
}

// Samples returns the batch as plain location samples, in order.
func (b *Batch) Samples() []models.LocationSample {
	out := make([]models.LocationSample, len(b.Points))
	for i := range b.Points {
		out[i] = b.Points[i].LocationSample
	}
	return out
}

// Stats reports buffer activity.
type Stats struct {
	Pending  int64
	Enqueued int64
	Cleared  int64
}

// Buffer is a Badger-backed offline point queue. It is safe for concurrent use.
type Buffer struct {
	db     *storage.DB
	seq    *badger.Sequence
	maxAge time.Duration

	mu     sync.RWMutex
	closed bool

	pending  atomic.Int64
	enqueued atomic.Int64
	cleared  atomic.Int64
}

// Open opens the buffer store. Points left from a previous run are kept.
func Open(cfg Config) (*Buffer, error) {
	db, err := storage.Open("buffer", cfg.Store)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open point sequence: %w", err)
	}
	b := &Buffer{db: db, seq: seq, maxAge: cfg.MaxAge}

	n, err := b.Count(context.Background(), "")
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.pending.Store(int64(n))
	metrics.BufferPending.Set(float64(n))
	if n > 0 {
		logging.Info().Int("points", n).Msg("Offline buffer recovered points from previous run")
	}
	return b, nil
}

// DB exposes the underlying store for maintenance services.
func (b *Buffer) DB() *storage.DB {
	return b.db
}

func pointKey(tripID string, ts int64, seq uint64) []byte {
	if ts < 0 {
		ts = 0
	}
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixPoint, tripID, ts, seq))
}

func scopePrefix(tripID string) []byte {
	if tripID == "" {
		return []byte(prefixPoint)
	}
	return []byte(prefixPoint + tripID + ":")
}

func validTrip(tripID string) error {
	if strings.Contains(tripID, ":") {
		return ErrInvalidTripID
	}
	return nil
}

func (b *Buffer) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// BufferPoint appends a sample for tripID (may be empty). It never
// overwrites an existing point.
func (b *Buffer) BufferPoint(ctx context.Context, tripID string, sample models.LocationSample) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validTrip(tripID); err != nil {
		return err
	}
	if sample.Timestamp <= 0 {
		return ErrInvalidTimestamp
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seq, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("next point sequence: %w", err)
	}
	point := models.BufferedPoint{LocationSample: sample, TripID: tripID, Seq: seq}
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(pointKey(tripID, sample.Timestamp, seq), data)
		if b.maxAge > 0 {
			e = e.WithTTL(b.maxAge)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("buffer point: %w", err)
	}

	b.enqueued.Add(1)
	metrics.BufferOperations.WithLabelValues("enqueued").Inc()
	metrics.BufferPending.Set(float64(b.pending.Add(1)))
	return nil
}

// Drain returns every buffered point in scope in non-decreasing timestamp
// order without removing them. An empty tripID drains all trips.
func (b *Buffer) Drain(ctx context.Context, tripID string) (*Batch, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := validTrip(tripID); err != nil {
		return nil, err
	}

	batch := &Batch{TripID: tripID}
	var unreadable [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := scopePrefix(tripID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var p models.BufferedPoint
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				logging.Warn().Err(err).Str("key", string(item.Key())).Msg("Discarding unreadable buffered point")
				unreadable = append(unreadable, item.KeyCopy(nil))
				continue
			}
			batch.Points = append(batch.Points, p)
			batch.keys = append(batch.keys, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain buffer: %w", err)
	}

	if len(unreadable) > 0 {
		b.discard(ctx, unreadable)
	}

	// Keys are already ordered within one trip; across trips they need a merge.
	if tripID == "" && len(batch.Points) > 1 {
		sort.Sort(byTime{batch})
	}

	metrics.BufferOperations.WithLabelValues("drained").Add(float64(len(batch.Points)))
	return batch, nil
}

// ClearDrained deletes exactly the points in batch. Points buffered after
// the batch was drained are untouched.
func (b *Buffer) ClearDrained(ctx context.Context, batch *Batch) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}

	txn := b.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	for _, k := range batch.keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := txn.Delete(k)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("clear drained points: %w", err)
			}
			txn = b.db.NewTransaction(true)
			err = txn.Delete(k)
		}
		if err != nil {
			return fmt.Errorf("clear drained points: %w", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("clear drained points: %w", err)
	}

	n := int64(len(batch.keys))
	b.cleared.Add(n)
	b.refreshPending(ctx)
	logging.Debug().Int64("points", n).Str("trip_id", batch.TripID).Msg("Cleared synced points")
	return nil
}

// discard deletes points that can never be decoded so they do not linger
// in Count forever.
func (b *Buffer) discard(ctx context.Context, keys [][]byte) {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logging.Warn().Err(err).Int("points", len(keys)).Msg("Failed to discard unreadable buffered points")
		return
	}
	metrics.BufferOperations.WithLabelValues("discarded").Add(float64(len(keys)))
	b.refreshPending(ctx)
}

// Clear removes every point in scope, including ones never drained.
func (b *Buffer) Clear(ctx context.Context, tripID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validTrip(tripID); err != nil {
		return err
	}
	if err := b.db.DropPrefix(scopePrefix(tripID)); err != nil {
		return fmt.Errorf("clear buffer: %w", err)
	}
	b.refreshPending(ctx)
	return nil
}

// refreshPending recounts the store; TTL expiry can remove points behind our back.
func (b *Buffer) refreshPending(ctx context.Context) {
	n, err := b.Count(ctx, "")
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to recount offline buffer")
		return
	}
	b.pending.Store(int64(n))
	metrics.BufferPending.Set(float64(n))
}

// Count returns the number of buffered points in scope.
func (b *Buffer) Count(ctx context.Context, tripID string) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := scopePrefix(tripID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count buffer: %w", err)
	}
	return n, nil
}

// Stats returns buffer counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Pending:  b.pending.Load(),
		Enqueued: b.enqueued.Load(),
		Cleared:  b.cleared.Load(),
	}
}

// Close releases the sequence lease and closes the store.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("Failed to release point sequence")
	}
	return b.db.Close()
}

// byTime orders a batch by timestamp, then sequence, keeping keys aligned.
type byTime struct{ b *Batch }

func (s byTime) Len() int { return len(s.b.Points) }

func (s byTime) Less(i, j int) bool {
	pi, pj := s.b.Points[i], s.b.Points[j]
	if pi.Timestamp != pj.Timestamp {
		return pi.Timestamp < pj.Timestamp
	}
	return pi.Seq < pj.Seq
}

func (s byTime) Swap(i, j int) {
	s.b.Points[i], s.b.Points[j] = s.b.Points[j], s.b.Points[i]
	s.b.keys[i], s.b.keys[j] = s.b.keys[j], s.b.keys[i]
}
