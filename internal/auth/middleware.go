// Convoy - Real-time Road Trip Convoy Tracking
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/convoy

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/tomtom215/convoy/internal/logging"
)

type contextKey string

const subjectContextKey contextKey = "subject"

// DevUserHeader names the caller when authentication is disabled.
const DevUserHeader = "X-User-ID"

// Subject is the authenticated caller.
type Subject struct {
	UserID string
	Name   string
}

// ContextWithSubject stores s in ctx.
func ContextWithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey, s)
}

// SubjectFromContext returns the caller stored by Authenticate.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectContextKey).(Subject)
	return s, ok && s.UserID != ""
}

// Middleware authenticates API and presence requests.
type Middleware struct {
	jwt          *JWTManager
	enabled      bool
	unauthorized func(w http.ResponseWriter, r *http.Request, err error)
}

// NewMiddleware creates the middleware. With enabled false the caller is
// taken from the X-User-ID header, which is only suitable for development.
// unauthorized writes the 401 response; nil uses a plain-text one.
func NewMiddleware(jwtManager *JWTManager, enabled bool, unauthorized func(http.ResponseWriter, *http.Request, error)) *Middleware {
	if unauthorized == nil {
		unauthorized = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "authentication required", http.StatusUnauthorized)
		}
	}
	return &Middleware{jwt: jwtManager, enabled: enabled, unauthorized: unauthorized}
}

// Authenticate rejects requests without a valid identity.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.identify(r)
		if err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			m.unauthorized(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), s)))
	})
}

// Identify resolves the caller's user ID. Its signature matches the
// presence hub's identify hook.
func (m *Middleware) Identify(r *http.Request) (string, error) {
	if s, ok := SubjectFromContext(r.Context()); ok {
		return s.UserID, nil
	}
	s, err := m.identify(r)
	if err != nil {
		return "", err
	}
	return s.UserID, nil
}

func (m *Middleware) identify(r *http.Request) (Subject, error) {
	if !m.enabled {
		id := strings.TrimSpace(r.Header.Get(DevUserHeader))
		if id == "" {
			return Subject{}, ErrMissingToken
		}
		return Subject{UserID: id}, nil
	}

	token := bearerToken(r)
	if token == "" {
		return Subject{}, ErrMissingToken
	}
	claims, err := m.jwt.ValidateToken(token)
	if err != nil {
		return Subject{}, err
	}
	return Subject{UserID: claims.UserID(), Name: claims.Name}, nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for browser websocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
