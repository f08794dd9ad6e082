// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package events

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/convoy/internal/models"
)

// Image returns the row image a predicate should look at: After for inserts
// and updates, Before for deletes.
func Image(change models.RowChange) json.RawMessage {
	if change.Op == models.OpDelete {
		return change.Before
	}
	return change.After
}

// FieldEquals matches changes whose row image has field == value. Values are
// compared by their string form, so booleans and numbers match "true" or "42".
func FieldEquals(field, value string) Predicate {
	return func(change models.RowChange) bool {
		var row map[string]any
		if err := json.Unmarshal(Image(change), &row); err != nil {
			return false
		}
		v, ok := row[field]
		if !ok || v == nil {
			return false
		}
		if s, ok := v.(string); ok {
			return s == value
		}
		return fmt.Sprint(v) == value
	}
}

// OpIs matches changes of one of the given kinds.
func OpIs(ops ...models.ChangeOp) Predicate {
	return func(change models.RowChange) bool {
		for _, op := range ops {
			if change.Op == op {
				return true
			}
		}
		return false
	}
}

// All matches when every predicate matches.
func All(preds ...Predicate) Predicate {
	return func(change models.RowChange) bool {
		for _, p := range preds {
			if p != nil && !p(change) {
				return false
			}
		}
		return true
	}
}

// Decode unmarshals the relevant row image of change into v.
func Decode(change models.RowChange, v any) error {
	img := Image(change)
	if len(img) == 0 {
		return fmt.Errorf("%s change on %s has no row image", change.Op, change.Table)
	}
	return json.Unmarshal(img, v)
}
