// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomtom215/convoy/internal/logging"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Name        string
	Description string
	Statements  []string
	AppliedAt   time.Time
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	applied_at TIMESTAMP NOT NULL
)`

// Timestamps are stored as UTC TIMESTAMP; the ICU extension is not loaded.
// convoy_members rows carry the current state of a membership. Status
// transitions update the row and append to convoy_member_events; rows are
// never deleted.
func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Name:        "initial_schema",
			Description: "trips, convoy membership, invites and track points",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS trips (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					owner_id TEXT NOT NULL,
					status TEXT NOT NULL,
					destination_lat DOUBLE,
					destination_lon DOUBLE,
					route TEXT,
					created_at TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS convoy_members (
					id TEXT PRIMARY KEY,
					trip_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					is_leader BOOLEAN NOT NULL,
					status TEXT NOT NULL,
					joined_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_convoy_members_trip_user ON convoy_members(trip_id, user_id)`,
				`CREATE TABLE IF NOT EXISTS convoy_member_events (
					member_id TEXT NOT NULL,
					trip_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					from_status TEXT,
					to_status TEXT NOT NULL,
					is_leader BOOLEAN NOT NULL,
					changed_at TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS invites (
					id TEXT PRIMARY KEY,
					trip_id TEXT NOT NULL,
					code TEXT NOT NULL UNIQUE,
					inviter_id TEXT NOT NULL,
					invitee_id TEXT,
					status TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP NOT NULL,
					responded_at TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS location_points (
					trip_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					ts BIGINT NOT NULL,
					lat DOUBLE NOT NULL,
					lon DOUBLE NOT NULL,
					heading DOUBLE,
					speed DOUBLE,
					accuracy DOUBLE,
					received_at TIMESTAMP NOT NULL,
					PRIMARY KEY (trip_id, user_id, ts)
				)`,
			},
		},
		{
			Version:     2,
			Name:        "points_keep_same_millisecond",
			Description: "key track points by position as well as timestamp",
			Statements: []string{
				`CREATE TABLE location_points_v2 (
					trip_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					ts BIGINT NOT NULL,
					lat DOUBLE NOT NULL,
					lon DOUBLE NOT NULL,
					heading DOUBLE,
					speed DOUBLE,
					accuracy DOUBLE,
					received_at TIMESTAMP NOT NULL,
					PRIMARY KEY (trip_id, user_id, ts, lat, lon)
				)`,
				`INSERT INTO location_points_v2 SELECT * FROM location_points`,
				`DROP TABLE location_points`,
				`ALTER TABLE location_points_v2 RENAME TO location_points`,
			},
		},
	}
}

// migrate applies every migration newer than the recorded schema version.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations() {
		if m.Version <= current {
			continue
		}
		err := db.runTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, description, applied_at) VALUES (?, ?, ?, ?)`,
				m.Version, m.Name, m.Description, time.Now().UTC())
			return err
		})
		if err != nil {
			return err
		}
		logging.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applied schema migration")
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	var version int
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	return version, err
}

// MigrationHistory lists applied migrations in version order.
func (db *DB) MigrationHistory(ctx context.Context) ([]Migration, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	rows, err := db.conn.QueryContext(ctx,
		`SELECT version, name, description, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var out []Migration
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name, &m.Description, &m.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
