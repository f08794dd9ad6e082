// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package storage opens and maintains the local BadgerDB stores used by the
// offline point buffer and the tile cache.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/tomtom215/convoy/internal/logging"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store closed")

// Options configures a Badger store.
type Options struct {
	// Path is the store directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM; used by tests and the agent's --ephemeral mode.
	InMemory bool

	SyncWrites  bool
	Compression bool

	// MemTableSize and ValueLogFileSize are in bytes; zero keeps small
	// defaults suited to a device-local store.
	MemTableSize     int64
	ValueLogFileSize int64

	// GCRatio is the discard ratio for value log GC.
	GCRatio float64

	CloseTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.MemTableSize == 0 {
		o.MemTableSize = 16 << 20
	}
	if o.ValueLogFileSize == 0 {
		o.ValueLogFileSize = 64 << 20
	}
	if o.GCRatio == 0 {
		o.GCRatio = 0.5
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = 30 * time.Second
	}
}

// DB wraps a badger.DB with the GC and close behavior shared by all stores.
type DB struct {
	*badger.DB
	name string
	opts Options
}

// Open opens (or creates) the store described by opts.
func Open(name string, opts Options) (*DB, error) {
	opts.applyDefaults()
	if !opts.InMemory && opts.Path == "" {
		return nil, fmt.Errorf("%s store: path is required", name)
	}

	bo := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	}
	bo.SyncWrites = opts.SyncWrites
	bo.MemTableSize = opts.MemTableSize
	bo.ValueLogFileSize = opts.ValueLogFileSize
	bo.NumCompactors = 2
	if opts.Compression {
		bo.Compression = options.Snappy
	}
	bo.Logger = badgerLogger{component: name}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}

	logging.Info().
		Str("store", name).
		Str("path", opts.Path).
		Bool("in_memory", opts.InMemory).
		Msg("Badger store opened")
	return &DB{DB: db, name: name, opts: opts}, nil
}

// Name returns the store's name.
func (d *DB) Name() string { return d.name }

// RunGC reclaims value log space until Badger reports nothing left to rewrite.
func (d *DB) RunGC() error {
	if d.opts.InMemory {
		return nil
	}
	for {
		err := d.RunValueLogGC(d.opts.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run %s GC: %w", d.name, err)
		}
	}
}

// Close closes the database, giving up after the configured timeout.
func (d *DB) Close() error {
	done := make(chan error, 1)
	go func() {
		done <- d.DB.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close %s store: %w", d.name, err)
		}
		logging.Info().Str("store", d.name).Msg("Badger store closed")
		return nil
	case <-time.After(d.opts.CloseTimeout):
		logging.Warn().Str("store", d.name).Dur("timeout", d.opts.CloseTimeout).Msg("Badger close timed out")
		return fmt.Errorf("%s store close timeout after %v", d.name, d.opts.CloseTimeout)
	}
}

// badgerLogger forwards Badger's internal logging to zerolog. Info and debug
// chatter is demoted to debug/trace.
type badgerLogger struct {
	component string
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error().Str("store", l.component).Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn().Str("store", l.component).Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	logging.Debug().Str("store", l.component).Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Trace().Str("store", l.component).Msgf(format, args...)
}
