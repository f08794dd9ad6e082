// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package tiles

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchRejectsOversizedTile(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"at limit", maxTileBytes, false},
		{"over limit", maxTileBytes + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := bytes.Repeat([]byte{'x'}, tt.size)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write(body)
			}))
			defer srv.Close()

			f := NewFetcher(FetcherConfig{}, nil)
			entry, err := f.Fetch(context.Background(), srv.URL+"/14/1/1.png")
			if tt.wantErr {
				if !errors.Is(err, ErrTileTooLarge) {
					t.Fatalf("Fetch() error = %v, want ErrTileTooLarge", err)
				}
				if entry != nil {
					t.Error("truncated entry returned")
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if len(entry.Body) != tt.size {
				t.Errorf("body = %d bytes, want %d", len(entry.Body), tt.size)
			}
		})
	}
}
