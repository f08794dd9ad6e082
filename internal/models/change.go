// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package models

import "github.com/goccy/go-json"

// ChangeOp is the kind of row change.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// RowChange is a row-level change notification with before/after images.
// Before is empty for inserts and After is empty for deletes.
type RowChange struct {
	Table  string          `json:"table"`
	Op     ChangeOp        `json:"op"`
	Key    string          `json:"key"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}
