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
	"strings"
	"time"

	"github.com/tomtom215/convoy/internal/models"
)

const inviteColumns = `id, trip_id, code, inviter_id, invitee_id, status, created_at, expires_at, responded_at`

// CreateInvite inserts a pending invite. A code collision is reported as
// ErrConflict so the caller can retry with a fresh code.
func (db *DB) CreateInvite(ctx context.Context, inv *models.Invite) error {
	return db.withTx(ctx, "INSERT", tableInvites, func(tx *sql.Tx, rec *recorder) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM invites WHERE code = ?`, inv.Code).Scan(&exists); err != nil {
			return fmt.Errorf("check invite code: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("invite code %s: %w", inv.Code, ErrConflict)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO invites (`+inviteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, inv.TripID, inv.Code, inv.InviterID, nullString(inv.InviteeID), string(inv.Status),
			inv.CreatedAt.UTC(), inv.ExpiresAt.UTC(), nullTime(inv.RespondedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("invite code %s: %w", inv.Code, ErrConflict)
			}
			return fmt.Errorf("insert invite: %w", err)
		}
		return rec.record(tableInvites, models.OpInsert, inv.ID, nil, inv)
	})
}

// GetInviteByCode returns the invite with code or ErrNotFound.
func (db *DB) GetInviteByCode(ctx context.Context, code string) (*models.Invite, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()
	return inviteByCode(ctx, db.conn, code)
}

// ListInvites returns a trip's invites, newest first.
func (db *DB) ListInvites(ctx context.Context, tripID string) ([]models.Invite, error) {
	ctx, cancel := ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE trip_id = ? ORDER BY created_at DESC, id`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer closeRows(rows)

	var invites []models.Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		invites = append(invites, *inv)
	}
	return invites, rows.Err()
}

// AcceptInvite marks a pending invite accepted by member.UserID and inserts
// the membership in one transaction. ErrConflict when the invite is no
// longer pending or the user already has an active membership; in both
// cases nothing is written.
func (db *DB) AcceptInvite(ctx context.Context, inviteID string, member *models.ConvoyMember, now time.Time) (*models.Invite, error) {
	var accepted *models.Invite
	err := db.withTx(ctx, "UPDATE", tableInvites, func(tx *sql.Tx, rec *recorder) error {
		inv, err := respond(ctx, tx, rec, inviteID, models.InviteAccepted, member.UserID, now)
		if err != nil {
			return err
		}
		if err := insertMember(ctx, tx, rec, member); err != nil {
			return err
		}
		accepted = inv
		return nil
	})
	return accepted, err
}

// DeclineInvite marks a pending invite declined.
func (db *DB) DeclineInvite(ctx context.Context, inviteID, userID string, now time.Time) (*models.Invite, error) {
	var declined *models.Invite
	err := db.withTx(ctx, "UPDATE", tableInvites, func(tx *sql.Tx, rec *recorder) error {
		inv, err := respond(ctx, tx, rec, inviteID, models.InviteDeclined, userID, now)
		declined = inv
		return err
	})
	return declined, err
}

// respond settles a pending invite. The status guard in the WHERE clause
// makes a concurrent second answer affect zero rows.
func respond(ctx context.Context, tx *sql.Tx, rec *recorder, inviteID string, status models.InviteStatus, userID string, now time.Time) (*models.Invite, error) {
	before, err := inviteByID(ctx, tx, inviteID)
	if err != nil {
		return nil, err
	}
	at := now.UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE invites SET status = ?, invitee_id = ?, responded_at = ? WHERE id = ? AND status = 'pending'`,
		string(status), userID, at, inviteID)
	if err != nil {
		return nil, fmt.Errorf("update invite: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update invite: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("invite %s is %s: %w", inviteID, before.Status, ErrConflict)
	}

	after := *before
	after.Status = status
	after.InviteeID = userID
	after.RespondedAt = &at
	if err := rec.record(tableInvites, models.OpUpdate, inviteID, before, &after); err != nil {
		return nil, err
	}
	return &after, nil
}

func inviteByCode(ctx context.Context, q querier, code string) (*models.Invite, error) {
	inv, err := scanInvite(q.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invite %s: %w", code, ErrNotFound)
	}
	return inv, err
}

func inviteByID(ctx context.Context, q querier, id string) (*models.Invite, error) {
	inv, err := scanInvite(q.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invite %s: %w", id, ErrNotFound)
	}
	return inv, err
}

func scanInvite(s scanner) (*models.Invite, error) {
	var (
		inv       models.Invite
		invitee   sql.NullString
		status    string
		responded sql.NullTime
	)
	err := s.Scan(&inv.ID, &inv.TripID, &inv.Code, &inv.InviterID, &invitee, &status,
		&inv.CreatedAt, &inv.ExpiresAt, &responded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan invite: %w", err)
	}
	inv.InviteeID = invitee.String
	inv.Status = models.InviteStatus(status)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.ExpiresAt = inv.ExpiresAt.UTC()
	if responded.Valid {
		t := responded.Time.UTC()
		inv.RespondedAt = &t
	}
	return &inv, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isConstraintViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Constraint Error") || strings.Contains(msg, "Duplicate key")
}
