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

	"github.com/tomtom215/convoy/internal/models"
)

// PointQuery selects stored track points. Zero fields are unbounded.
type PointQuery struct {
	TripID string
	UserID string
	// Since and Until bound the sample timestamp in epoch milliseconds, inclusive.
	Since int64
	Until int64
	Limit int
}

// InsertPoints stores points and returns how many were new. A point with the
// same (trip, user, timestamp, position) as a stored one is ignored, so
// re-sending a batch after a failed acknowledgement is harmless. Distinct
// samples from the same millisecond are both kept.
func (db *DB) InsertPoints(ctx context.Context, points []models.TrackPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	inserted := 0
	err := db.withTx(ctx, "INSERT", tablePoints, func(tx *sql.Tx, rec *recorder) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO location_points (trip_id, user_id, ts, lat, lon, heading, speed, accuracy, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare point insert: %w", err)
		}
		defer closeQuietly(stmt)

		now := time.Now().UTC()
		for i := range points {
			p := &points[i]
			res, err := stmt.ExecContext(ctx, p.TripID, p.UserID, p.Timestamp,
				p.Position.Lat, p.Position.Lon,
				nullFloat(p.Heading), nullFloat(p.Speed), nullFloat(p.Accuracy), now)
			if err != nil {
				return fmt.Errorf("insert point: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			inserted++
			key := fmt.Sprintf("%s:%s:%d:%g,%g", p.TripID, p.UserID, p.Timestamp, p.Position.Lat, p.Position.Lon)
			if err := rec.record(tablePoints, models.OpInsert, key, nil, p); err != nil {
				return err
			}
		}
		return nil
	})
	return inserted, err
}

// QueryPoints returns points matching q in timestamp order.
func (db *DB) QueryPoints(ctx context.Context, q PointQuery) ([]models.TrackPoint, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	query := `SELECT trip_id, user_id, ts, lat, lon, heading, speed, accuracy FROM location_points WHERE trip_id = ?`
	args := []any{q.TripID}
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if q.Since > 0 {
		query += ` AND ts >= ?`
		args = append(args, q.Since)
	}
	if q.Until > 0 {
		query += ` AND ts <= ?`
		args = append(args, q.Until)
	}
	query += ` ORDER BY ts, user_id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	recordQuery("SELECT", tablePoints, start, err)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer closeRows(rows)

	var out []models.TrackPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestPoints returns each user's most recent stored point for a trip.
func (db *DB) LatestPoints(ctx context.Context, tripID string) ([]models.TrackPoint, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT trip_id, user_id, ts, lat, lon, heading, speed, accuracy
		FROM location_points
		WHERE trip_id = ?
		QUALIFY row_number() OVER (PARTITION BY user_id ORDER BY ts DESC, received_at DESC) = 1
		ORDER BY user_id`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query latest points: %w", err)
	}
	defer closeRows(rows)

	var out []models.TrackPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPoint(rows *sql.Rows) (models.TrackPoint, error) {
	var (
		p                        models.TrackPoint
		heading, speed, accuracy sql.NullFloat64
	)
	if err := rows.Scan(&p.TripID, &p.UserID, &p.Timestamp, &p.Position.Lat, &p.Position.Lon,
		&heading, &speed, &accuracy); err != nil {
		return p, fmt.Errorf("scan point: %w", err)
	}
	p.Heading = floatPtr(heading)
	p.Speed = floatPtr(speed)
	p.Accuracy = floatPtr(accuracy)
	return p, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
