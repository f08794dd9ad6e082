// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got '%s'", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("expected default format 'json', got '%s'", cfg.Format)
	}
	if !cfg.Timestamp {
		t.Error("expected default timestamp to be true")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestCtxAddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	ctx := ContextWithCorrelationID(context.Background(), "abc12345")
	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithTripID(ctx, "trip-9")
	Ctx(ctx).Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"correlation_id":"abc12345"`, `"request_id":"req-1"`, `"trip_id":"trip-9"`, "hello"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
}

func TestWithComponentTagsLines(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	l := WithComponent("presence-hub")
	l.Info().Msg("started")
	if out := buf.String(); !strings.Contains(out, `"component":"presence-hub"`) {
		t.Errorf("component missing from %s", out)
	}
}

func TestGenerateIDs(t *testing.T) {
	t.Parallel()

	if id := GenerateCorrelationID(); len(id) != 8 {
		t.Errorf("expected 8-character correlation ID, got %q", id)
	}
	a, b := GenerateRequestID(), GenerateRequestID()
	if len(a) != 36 || a == b {
		t.Errorf("expected unique UUID request IDs, got %q and %q", a, b)
	}
	if CorrelationIDFromContext(context.Background()) != "" {
		t.Error("expected empty correlation ID on bare context")
	}
}

func TestSlogHandlerWritesThroughZerolog(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewSlogHandlerWithLogger(zerolog.New(&buf)))
	logger.WithGroup("supervisor").Info("service restarted", "service", "hub", "failures", 2)

	out := buf.String()
	if !strings.Contains(out, "service restarted") {
		t.Fatalf("message missing: %s", out)
	}
	if !strings.Contains(out, `"supervisor.service":"hub"`) {
		t.Errorf("grouped attr missing: %s", out)
	}
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	a := NewWatermillAdapter("events").With(watermill.LogFields{"topic": "convoy_members"})
	a.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 1})

	out := buf.String()
	for _, want := range []string{`"component":"events"`, `"topic":"convoy_members"`, `"error":"boom"`, "publish failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	got := RedactURL("https://tiles.example.com/10/1/2.png?access_token=secret&style=dark")
	if strings.Contains(got, "secret") {
		t.Errorf("token leaked: %s", got)
	}
	if !strings.Contains(got, "style=dark") {
		t.Errorf("non-sensitive param dropped: %s", got)
	}
	if got := SanitizeToken("Bearer abcdefghijklmnop"); got != "abcdefgh..." {
		t.Errorf("SanitizeToken = %q", got)
	}
	if got := SanitizeToken("short"); got != "***" {
		t.Errorf("SanitizeToken(short) = %q", got)
	}
}
