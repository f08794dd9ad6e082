// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

// Package mapview keeps a map surface's markers and route line consistent
// with the convoy's presence and status, issuing as few surface operations
// as possible.
package mapview

import (
	"sync"

	"github.com/tomtom215/convoy/internal/models"
	"github.com/tomtom215/convoy/internal/status"
)

// MarkerKind distinguishes the marker layers.
type MarkerKind string

const (
	KindSelf        MarkerKind = "self"
	KindMember      MarkerKind = "member"
	KindDestination MarkerKind = "destination"
)

// Marker is everything a surface needs to draw one marker. Changing any
// field other than Position and Bearing requires the marker to be recreated.
type Marker struct {
	ID       string
	Kind     MarkerKind
	Position models.Position
	Bearing  float64
	Label    string
	Avatar   string
	Status   models.MemberStatus
	Color    status.Color
	Speed    *float64
}

// Surface is a map the renderer draws on. Implementations need not be safe
// for concurrent use; the Renderer serializes calls.
type Surface interface {
	AddMarker(m Marker)
	MoveMarker(id string, pos models.Position)
	RotateMarker(id string, bearing float64)
	RemoveMarker(id string)
	SetLine(id string, coords []models.Position)
	SetLineVisible(id string, visible bool)
	SetCameraBearing(bearing float64)
	Close()
}

// OpKind names a recorded surface operation.
type OpKind string

const (
	OpAdd        OpKind = "add"
	OpMove       OpKind = "move"
	OpRotate     OpKind = "rotate"
	OpRemove     OpKind = "remove"
	OpSetLine    OpKind = "set_line"
	OpLineVis    OpKind = "line_visible"
	OpCamera     OpKind = "camera"
	OpClose   OpKind = "close"
)

// Op is one recorded surface call.
type Op struct {
	Kind     OpKind
	ID       string
	Marker   *Marker
	Position models.Position
	Bearing  float64
	Visible  bool
	Coords   int
}

// RecordingSurface logs every call. It draws nothing.
type RecordingSurface struct {
	mu  sync.Mutex
	ops []Op
}

// NewRecordingSurface returns an empty RecordingSurface.
func NewRecordingSurface() *RecordingSurface {
	return &RecordingSurface{}
}

func (s *RecordingSurface) record(op Op) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *RecordingSurface) AddMarker(m Marker) {
	s.record(Op{Kind: OpAdd, ID: m.ID, Marker: &m, Position: m.Position, Bearing: m.Bearing})
}

func (s *RecordingSurface) MoveMarker(id string, pos models.Position) {
	s.record(Op{Kind: OpMove, ID: id, Position: pos})
}

func (s *RecordingSurface) RotateMarker(id string, bearing float64) {
	s.record(Op{Kind: OpRotate, ID: id, Bearing: bearing})
}

func (s *RecordingSurface) RemoveMarker(id string) {
	s.record(Op{Kind: OpRemove, ID: id})
}

func (s *RecordingSurface) SetLine(id string, coords []models.Position) {
	s.record(Op{Kind: OpSetLine, ID: id, Coords: len(coords)})
}

func (s *RecordingSurface) SetLineVisible(id string, visible bool) {
	s.record(Op{Kind: OpLineVis, ID: id, Visible: visible})
}

func (s *RecordingSurface) SetCameraBearing(bearing float64) {
	s.record(Op{Kind: OpCamera, Bearing: bearing})
}

func (s *RecordingSurface) Close() {
	s.record(Op{Kind: OpClose})
}

// Ops returns a copy of the log.
func (s *RecordingSurface) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Count returns how many ops of kind were recorded, optionally for one id.
func (s *RecordingSurface) Count(kind OpKind, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.ops {
		if op.Kind == kind && (id == "" || op.ID == id) {
			n++
		}
	}
	return n
}

// Reset clears the log.
func (s *RecordingSurface) Reset() {
	s.mu.Lock()
	s.ops = nil
	s.mu.Unlock()
}
