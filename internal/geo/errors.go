// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package geo

import (
	"errors"
	"fmt"
)

// ErrMissingRationale is returned when background tracking is requested
// without the user-facing rationale strings.
var ErrMissingRationale = errors.New("background tracking requires a rationale title and message")

// PermissionError is terminal for the current session. Tracking stops and is
// not retried until the user grants access.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return "location access denied: enable location for Convoy in system settings"
}

func (e *PermissionError) Unwrap() error { return e.Err }

// TransientError reports a temporary fix failure. The watch keeps running.
type TransientError struct {
	Backend string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s location fix unavailable: %v", e.Backend, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsPermission reports whether err is a PermissionError.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// classify wraps a raw platform error in the matching typed error.
func classify(backend string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PermissionError
	var te *TransientError
	switch {
	case errors.As(err, &pe), errors.As(err, &te):
		return err
	case errors.Is(err, ErrPermissionDenied):
		return &PermissionError{Err: err}
	default:
		return &TransientError{Backend: backend, Err: err}
	}
}
