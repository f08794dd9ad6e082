// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package services

import (
	"context"
	"errors"
)

// FuncService runs a blocking func(ctx) error as a suture.Service. Loops
// such as the status monitor's Run are added this way.
type FuncService struct {
	name string
	run  func(ctx context.Context) error
}

// NewFuncService wraps run under name.
func NewFuncService(name string, run func(ctx context.Context) error) *FuncService {
	return &FuncService{name: name, run: run}
}

// Serve implements suture.Service. Cancellation is a clean stop.
func (f *FuncService) Serve(ctx context.Context) error {
	err := f.run(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (f *FuncService) String() string {
	return f.name
}
