// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/convoy/internal/logging"
	"github.com/tomtom215/convoy/internal/metrics"
	"github.com/tomtom215/convoy/internal/models"
)

// ErrSinkUnavailable is returned while the sink circuit is open.
var ErrSinkUnavailable = errors.New("point sink circuit open")

// SinkStatusError is a non-2xx response from the points endpoint.
type SinkStatusError struct {
	Code    int
	APICode string
	Message string
}

func (e *SinkStatusError) Error() string {
	if e.APICode != "" {
		return fmt.Sprintf("point sync rejected: %d %s: %s", e.Code, e.APICode, e.Message)
	}
	return fmt.Sprintf("point sync rejected: %d", e.Code)
}

// HTTPSink posts points to the server's points endpoint.
type HTTPSink struct {
	baseURL string
	token   string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker[*models.PointSyncResult]
	name    string
}

// NewHTTPSink creates a sink for the API at baseURL. Both http(s) and
// ws(s) schemes are accepted so the presence server URL can be reused.
func NewHTTPSink(baseURL, token string, timeout time.Duration, transport http.RoundTripper) (*HTTPSink, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/api/v1/ws")

	if transport == nil {
		transport = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	name := "point-sink"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[*models.PointSyncResult](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected batch is not an outage.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var se *SinkStatusError
			return errors.As(err, &se) && se.Code < 500 && se.Code != http.StatusTooManyRequests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state transition")
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &HTTPSink{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		token:   token,
		client:  &http.Client{Transport: transport, Timeout: timeout},
		cb:      cb,
		name:    name,
	}, nil
}

// SendPoints implements PointSink.
func (s *HTTPSink) SendPoints(ctx context.Context, tripID string, samples []models.LocationSample) error {
	if len(samples) == 0 {
		return nil
	}
	res, err := s.cb.Execute(func() (*models.PointSyncResult, error) {
		return s.post(ctx, tripID, samples)
	})
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(s.name, "success").Inc()
		logging.Ctx(ctx).Debug().Int("received", res.Received).Int("inserted", res.Inserted).Msg("Points accepted")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(s.name, "rejected").Inc()
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(s.name, "failure").Inc()
		return err
	}
}

func (s *HTTPSink) post(ctx context.Context, tripID string, samples []models.LocationSample) (*models.PointSyncResult, error) {
	body, err := json.Marshal(models.PointBatch{Points: samples})
	if err != nil {
		return nil, fmt.Errorf("encode points: %w", err)
	}
	endpoint := s.baseURL + "/api/v1/trips/" + url.PathEscape(tripID) + "/points"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build points request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post points: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data  models.PointSyncResult `json:"data"`
		Error *models.APIError       `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read points response: %w", err)
	}
	decodeErr := json.Unmarshal(raw, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &SinkStatusError{Code: resp.StatusCode}
		if decodeErr == nil && envelope.Error != nil {
			se.APICode = envelope.Error.Code
			se.Message = envelope.Error.Message
		}
		return nil, se
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode points response: %w", decodeErr)
	}
	return &envelope.Data, nil
}

// State returns the breaker state name.
func (s *HTTPSink) State() string {
	return s.cb.State().String()
}
