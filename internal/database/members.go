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

	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

const memberColumns = `id, trip_id, user_id, is_leader, status, joined_at, updated_at`

// MemberEvent is one entry of a membership's status history.
type MemberEvent struct {
	MemberID   string             `json:"member_id"`
	TripID     string             `json:"trip_id"`
	UserID     string             `json:"user_id"`
	FromStatus models.MemberState `json:"from_status,omitempty"`
	ToStatus   models.MemberState `json:"to_status"`
	IsLeader   bool               `json:"is_leader"`
	ChangedAt  time.Time          `json:"changed_at"`
}

// AddMember inserts an active membership. ErrConflict when the user already
// has an active row for the trip.
func (db *DB) AddMember(ctx context.Context, m *models.ConvoyMember) error {
	return db.withTx(ctx, "INSERT", tableMembers, func(tx *sql.Tx, rec *recorder) error {
		return insertMember(ctx, tx, rec, m)
	})
}

// ActiveMember returns the active membership of userID in tripID.
func (db *DB) ActiveMember(ctx context.Context, tripID, userID string) (*models.ConvoyMember, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	return activeMember(ctx, db.conn, tripID, userID)
}

// ActiveMembers lists the active memberships of a trip in join order.
func (db *DB) ActiveMembers(ctx context.Context, tripID string) ([]models.ConvoyMember, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	start := time.Now()
	members, err := activeMembers(ctx, db.conn, tripID)
	recordQuery("SELECT", tableMembers, start, err)
	return members, err
}

// MemberHistory returns every status transition of userID in tripID, oldest first.
func (db *DB) MemberHistory(ctx context.Context, tripID, userID string) ([]MemberEvent, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT member_id, trip_id, user_id, from_status, to_status, is_leader, changed_at
		FROM convoy_member_events
		WHERE trip_id = ? AND user_id = ?
		ORDER BY changed_at, to_status`, tripID, userID)
	if err != nil {
		return nil, fmt.Errorf("query member history: %w", err)
	}
	defer closeRows(rows)

	var events []MemberEvent
	for rows.Next() {
		var (
			e    MemberEvent
			from sql.NullString
			to   string
		)
		if err := rows.Scan(&e.MemberID, &e.TripID, &e.UserID, &from, &to, &e.IsLeader, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan member event: %w", err)
		}
		e.FromStatus = models.MemberState(from.String)
		e.ToStatus = models.MemberState(to)
		e.ChangedAt = e.ChangedAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// SetMemberStatus transitions the active membership of userID to status.
// ErrNotFound when there is no active row.
func (db *DB) SetMemberStatus(ctx context.Context, tripID, userID string, status models.MemberState, now time.Time) (*models.ConvoyMember, error) {
	var updated *models.ConvoyMember
	err := db.withTx(ctx, "UPDATE", tableMembers, func(tx *sql.Tx, rec *recorder) error {
		m, err := activeMember(ctx, tx, tripID, userID)
		if err != nil {
			return err
		}
		updated, err = transitionMember(ctx, tx, rec, m, status, m.IsLeader, now)
		return err
	})
	return updated, err
}

// TransferLeader moves the leader flag from one active member to another.
func (db *DB) TransferLeader(ctx context.Context, tripID, fromUser, toUser string, now time.Time) error {
	return db.withTx(ctx, "UPDATE", tableMembers, func(tx *sql.Tx, rec *recorder) error {
		from, err := activeMember(ctx, tx, tripID, fromUser)
		if err != nil {
			return err
		}
		to, err := activeMember(ctx, tx, tripID, toUser)
		if err != nil {
			return err
		}
		if _, err := transitionMember(ctx, tx, rec, from, models.MemberActive, false, now); err != nil {
			return err
		}
		_, err = transitionMember(ctx, tx, rec, to, models.MemberActive, true, now)
		return err
	})
}

func insertMember(ctx context.Context, tx *sql.Tx, rec *recorder, m *models.ConvoyMember) error {
	if _, err := activeMember(ctx, tx, m.TripID, m.UserID); err == nil {
		return fmt.Errorf("user %s in trip %s: %w", m.UserID, m.TripID, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO convoy_members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TripID, m.UserID, m.IsLeader, string(m.Status), m.JoinedAt.UTC(), m.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	if err := appendMemberEvent(ctx, tx, m, "", m.UpdatedAt); err != nil {
		return err
	}
	return rec.record(tableMembers, models.OpInsert, m.ID, nil, m)
}

// transitionMember updates a membership row and appends the history entry.
func transitionMember(ctx context.Context, tx *sql.Tx, rec *recorder, m *models.ConvoyMember, status models.MemberState, leader bool, now time.Time) (*models.ConvoyMember, error) {
	after := *m
	after.Status = status
	after.IsLeader = leader
	after.UpdatedAt = now.UTC()

	_, err := tx.ExecContext(ctx,
		`UPDATE convoy_members SET status = ?, is_leader = ?, updated_at = ? WHERE id = ?`,
		string(status), leader, after.UpdatedAt, m.ID)
	if err != nil {
		return nil, fmt.Errorf("update member %s: %w", m.ID, err)
	}
	if err := appendMemberEvent(ctx, tx, &after, m.Status, after.UpdatedAt); err != nil {
		return nil, err
	}
	if err := rec.record(tableMembers, models.OpUpdate, m.ID, m, &after); err != nil {
		return nil, err
	}
	return &after, nil
}

func appendMemberEvent(ctx context.Context, tx *sql.Tx, m *models.ConvoyMember, from models.MemberState, at time.Time) error {
	var fromStatus sql.NullString
	if from != "" {
		fromStatus = sql.NullString{String: string(from), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO convoy_member_events (member_id, trip_id, user_id, from_status, to_status, is_leader, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TripID, m.UserID, fromStatus, string(m.Status), m.IsLeader, at.UTC())
	if err != nil {
		return fmt.Errorf("append member event: %w", err)
	}
	return nil
}

func activeMember(ctx context.Context, q querier, tripID, userID string) (*models.ConvoyMember, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM convoy_members WHERE trip_id = ? AND user_id = ? AND status = 'active'`,
		tripID, userID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active member %s of trip %s: %w", userID, tripID, ErrNotFound)
	}
	return m, err
}

func activeMembers(ctx context.Context, q querier, tripID string) ([]models.ConvoyMember, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM convoy_members WHERE trip_id = ? AND status = 'active' ORDER BY joined_at, user_id`,
		tripID)
	if err != nil {
		return nil, fmt.Errorf("query active members: %w", err)
	}
	defer closeRows(rows)

	var members []models.ConvoyMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func scanMember(s scanner) (*models.ConvoyMember, error) {
	var (
		m      models.ConvoyMember
		status string
	)
	if err := s.Scan(&m.ID, &m.TripID, &m.UserID, &m.IsLeader, &status, &m.JoinedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan member: %w", err)
	}
	m.Status = models.MemberState(status)
	m.JoinedAt = m.JoinedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func recordQuery(op, table string, start time.Time, err error) {
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	metrics.RecordDBQuery(op, table, time.Since(start), err)
}
