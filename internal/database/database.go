// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package database is the DuckDB store for trips, convoy membership, invites
// and server-side track points. Every committed write is announced as a
// models.RowChange on the configured ChangePublisher.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/tomtom215/convoy/internal/config"
	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write would violate a row-state rule,
	// such as a second active membership or answering a settled invite.
	ErrConflict = errors.New("conflicting row state")
)

// ChangePublisher receives a notification for every committed write.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change models.RowChange) error
}

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn    *sql.DB
	cfg     *config.DatabaseConfig
	changes ChangePublisher

	maxTxRetries int
	retryDelay   time.Duration
}

// New opens the database at cfg.Path and applies pending migrations.
// changes may be nil, in which case writes are not announced.
func New(cfg *config.DatabaseConfig, changes ChangePublisher) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "512MB"
	}

	if cfg.Path != ":memory:" && cfg.Path != "" {
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}
	}

	// Extensions are not needed; disabling autoload avoids network access at startup.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{
		conn:         conn,
		cfg:          cfg,
		changes:      changes,
		maxTxRetries: 3,
		retryDelay:   20 * time.Millisecond,
	}
	db.configureConnectionPool()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := db.migrate(ctx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("Database ready")
	return db, nil
}

// configureConnectionPool sizes the pool for a single embedded DuckDB instance.
func (db *DB) configureConnectionPool() {
	db.conn.SetMaxOpenConns(runtime.NumCPU())
	db.conn.SetMaxIdleConns(2)
	db.conn.SetConnMaxLifetime(time.Hour)
	db.conn.SetConnMaxIdleTime(5 * time.Minute)
}

// Conn returns the underlying connection pool.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// Checkpoint flushes the WAL into the database file.
func (db *DB) Checkpoint(ctx context.Context) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	if _, err := db.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Close checkpoints file-backed databases and closes the pool.
func (db *DB) Close() error {
	if db.cfg.Path != ":memory:" && db.cfg.Path != "" {
		if err := db.Checkpoint(context.Background()); err != nil {
			logging.Warn().Err(err).Msg("Checkpoint before close failed")
		}
	}
	return db.conn.Close()
}

// ensureContext applies a default 30s deadline when ctx has none.
func ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 30*time.Second)
}

// withTx runs fn in a transaction, retrying DuckDB write-write conflicts.
// The changes fn collects are published only after a successful commit.
func (db *DB) withTx(ctx context.Context, op, table string, fn func(tx *sql.Tx, rec *recorder) error) error {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	start := time.Now()
	var err error
	for attempt := 0; attempt <= db.maxTxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(db.retryDelay * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		rec := &recorder{}
		err = db.runTx(ctx, func(tx *sql.Tx) error { return fn(tx, rec) })
		if err == nil {
			metrics.RecordDBQuery(op, table, time.Since(start), nil)
			db.publish(ctx, rec.changes)
			return nil
		}
		if !isTransactionConflict(err) {
			break
		}
		logging.Debug().Err(err).Int("attempt", attempt+1).Str("op", op).Msg("Retrying conflicting transaction")
	}
	// Row-state rule violations are expected outcomes, not query failures.
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		metrics.RecordDBQuery(op, table, time.Since(start), nil)
	} else {
		metrics.RecordDBQuery(op, table, time.Since(start), err)
	}
	return err
}

func (db *DB) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (db *DB) publish(ctx context.Context, changes []models.RowChange) {
	if db.changes == nil {
		return
	}
	for _, c := range changes {
		// The write is committed; a lost notification is logged, not returned.
		if err := db.changes.PublishChange(ctx, c); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("table", c.Table).Str("key", c.Key).
				Msg("Failed to publish row change")
		}
	}
}

// recorder collects the row changes of one transaction.
type recorder struct {
	changes []models.RowChange
}

func (r *recorder) record(table string, op models.ChangeOp, key string, before, after any) error {
	c := models.RowChange{Table: table, Op: op, Key: key}
	if before != nil {
		raw, err := json.Marshal(before)
		if err != nil {
			return fmt.Errorf("encode %s before image: %w", table, err)
		}
		c.Before = raw
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("encode %s after image: %w", table, err)
		}
		c.After = raw
	}
	r.changes = append(r.changes, c)
	return nil
}

// isTransactionConflict reports DuckDB optimistic concurrency failures.
func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "write-write conflict") ||
		strings.Contains(msg, "Conflict on update")
}

func closeQuietly(c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logging.Debug().Err(err).Msg("close failed")
	}
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close rows")
	}
}
