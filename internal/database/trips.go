// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/convoy/internal/models"
)

const (
	tableTrips        = "trips"
	tableMembers      = "convoy_members"
	tableMemberEvents = "convoy_member_events"
	tableInvites      = "invites"
	tablePoints       = "location_points"
)

const tripColumns = `id, name, owner_id, status, destination_lat, destination_lon, route, created_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateTrip inserts trip together with the owner's leader membership.
func (db *DB) CreateTrip(ctx context.Context, trip *models.Trip, leader *models.ConvoyMember) error {
	route, err := encodeRoute(trip.Route)
	if err != nil {
		return err
	}
	var destLat, destLon sql.NullFloat64
	if trip.Destination != nil {
		destLat = sql.NullFloat64{Float64: trip.Destination.Lat, Valid: true}
		destLon = sql.NullFloat64{Float64: trip.Destination.Lon, Valid: true}
	}

	return db.withTx(ctx, "INSERT", tableTrips, func(tx *sql.Tx, rec *recorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO trips (`+tripColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			trip.ID, trip.Name, trip.OwnerID, string(trip.Status), destLat, destLon, route, trip.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert trip: %w", err)
		}
		if err := rec.record(tableTrips, models.OpInsert, trip.ID, nil, trip); err != nil {
			return err
		}
		return insertMember(ctx, tx, rec, leader)
	})
}

// GetTrip returns the trip with id or ErrNotFound.
func (db *DB) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	return getTrip(ctx, db.conn, id)
}

// ListTripsForUser returns trips in which userID has an active membership,
// newest first.
func (db *DB) ListTripsForUser(ctx context.Context, userID string) ([]models.Trip, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT t.id, t.name, t.owner_id, t.status, t.destination_lat, t.destination_lon, t.route, t.created_at
		FROM trips t
		JOIN convoy_members m ON m.trip_id = t.id
		WHERE m.user_id = ? AND m.status = 'active'
		ORDER BY t.created_at DESC, t.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer closeRows(rows)

	var trips []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, *t)
	}
	return trips, rows.Err()
}

// SetTripStatus moves a trip to status. Completing a trip also completes
// every active membership in the same transaction.
func (db *DB) SetTripStatus(ctx context.Context, id string, status models.TripStatus, now time.Time) (*models.Trip, error) {
	var updated *models.Trip
	err := db.withTx(ctx, "UPDATE", tableTrips, func(tx *sql.Tx, rec *recorder) error {
		before, err := getTrip(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE trips SET status = ? WHERE id = ?`, string(status), id); err != nil {
			return fmt.Errorf("update trip status: %w", err)
		}
		after := *before
		after.Status = status
		if err := rec.record(tableTrips, models.OpUpdate, id, before, after); err != nil {
			return err
		}

		if status == models.TripCompleted {
			members, err := activeMembers(ctx, tx, id)
			if err != nil {
				return err
			}
			for i := range members {
				if _, err := transitionMember(ctx, tx, rec, &members[i], models.MemberCompleted, members[i].IsLeader, now); err != nil {
					return err
				}
			}
		}
		updated = &after
		return nil
	})
	return updated, err
}

func getTrip(ctx context.Context, q querier, id string) (*models.Trip, error) {
	row := q.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = ?`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	return t, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(s scanner) (*models.Trip, error) {
	var (
		t                models.Trip
		status           string
		destLat, destLon sql.NullFloat64
		route            sql.NullString
	)
	if err := s.Scan(&t.ID, &t.Name, &t.OwnerID, &status, &destLat, &destLon, &route, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan trip: %w", err)
	}
	t.Status = models.TripStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	if destLat.Valid && destLon.Valid {
		t.Destination = &models.Position{Lat: destLat.Float64, Lon: destLon.Float64}
	}
	if route.Valid && route.String != "" {
		if err := json.Unmarshal([]byte(route.String), &t.Route); err != nil {
			return nil, fmt.Errorf("decode route of trip %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func encodeRoute(route []models.Position) (sql.NullString, error) {
	if len(route) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(route)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode route: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
