// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package session manages authentication sessions against remote
// backends: cached tokens with TTL, proactive refresh ahead of expiry,
// and single-flight login so concurrent workers never stampede the
// backend's login endpoint.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/syncbridge/syncbridge/internal/logging"
	"github.com/syncbridge/syncbridge/internal/metrics"
)

// Session is one authenticated session against a backend.
type Session struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// LoginFunc performs an actual login against the backend and returns a
// fresh session. Implementations must be safe to call from any
// goroutine; the Manager guarantees at most one call runs at a time.
type LoginFunc func(ctx context.Context) (*Session, error)

// Stats describes a manager's current session without exposing the
// token. Token shows only the first and last four characters.
type Stats struct {
	Backend      string        `json:"backend"`
	Token        string        `json:"token"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Remaining    time.Duration `json:"remaining"`
	Valid        bool          `json:"valid"`
	Refreshes    int64         `json:"refreshes"`
	LastRefresh  time.Time     `json:"last_refresh,omitempty"`
	LastFailure  time.Time     `json:"last_failure,omitempty"`
	FailureCount int64         `json:"failure_count"`
}

// flight is one in-progress login shared by every waiter.
type flight struct {
	done chan struct{}
	sess *Session
	err  error
}

// Manager caches one session per backend and refreshes it through a
// single shared login. A refresh that fails leaves any still-valid
// session in place; callers keep using it until real expiry.
type Manager struct {
	backend       string
	login         LoginFunc
	refreshBuffer time.Duration

	mu       sync.Mutex
	current  *Session
	inflight *flight

	refreshes    int64
	lastRefresh  time.Time
	lastFailure  time.Time
	failureCount int64
}

// NewManager creates a Manager. refreshBuffer is how long before actual
// expiry a session is already treated as due for refresh.
func NewManager(backend string, login LoginFunc, refreshBuffer time.Duration) *Manager {
	if refreshBuffer < 0 {
		refreshBuffer = 0
	}
	return &Manager{backend: backend, login: login, refreshBuffer: refreshBuffer}
}

// GetActiveSession returns a session that is valid for at least the
// refresh buffer, logging in if needed. Concurrent callers during a
// refresh all wait on the same login and receive its single result.
func (m *Manager) GetActiveSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.current != nil && !m.due(m.current) {
		sess := m.current
		m.mu.Unlock()
		return sess, nil
	}
	f := m.startOrJoinLocked(ctx)
	m.mu.Unlock()

	return m.wait(ctx, f)
}

// RefreshSession forces a new login regardless of the cached session's
// remaining lifetime. Callers already waiting on an in-progress login
// share its result instead of triggering a second one.
func (m *Manager) RefreshSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	f := m.startOrJoinLocked(ctx)
	m.mu.Unlock()

	return m.wait(ctx, f)
}

// SetSession installs an externally obtained session, replacing any
// cached one.
func (m *Manager) SetSession(sess *Session) {
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
}

// ClearSession drops the cached session so the next caller logs in.
func (m *Manager) ClearSession() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// GetStats returns masked session state for status endpoints and logs.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Backend:      m.backend,
		Refreshes:    m.refreshes,
		LastRefresh:  m.lastRefresh,
		LastFailure:  m.lastFailure,
		FailureCount: m.failureCount,
	}
	if m.current != nil {
		s.Token = maskToken(m.current.Token)
		s.CreatedAt = m.current.CreatedAt
		s.ExpiresAt = m.current.ExpiresAt
		s.Valid = time.Now().Before(m.current.ExpiresAt)
		if s.Valid {
			s.Remaining = time.Until(m.current.ExpiresAt)
		}
	}
	return s
}

// due reports whether the session has entered its refresh window.
func (m *Manager) due(sess *Session) bool {
	return time.Now().After(sess.ExpiresAt.Add(-m.refreshBuffer))
}

// startOrJoinLocked returns the in-progress flight, starting one if
// none is running. Caller must hold m.mu.
func (m *Manager) startOrJoinLocked(ctx context.Context) *flight {
	if m.inflight != nil {
		return m.inflight
	}
	f := &flight{done: make(chan struct{})}
	m.inflight = f

	// The owner goroutine runs the login detached from any single
	// waiter's context, so one cancelled waiter does not fail the rest.
	go m.run(context.WithoutCancel(ctx), f)
	return f
}

func (m *Manager) run(ctx context.Context, f *flight) {
	sess, err := m.login(ctx)

	m.mu.Lock()
	m.inflight = nil
	if err != nil {
		m.lastFailure = time.Now()
		m.failureCount++
		// A failed login never clobbers a session that is still valid.
		if m.current != nil && time.Now().Before(m.current.ExpiresAt) {
			f.sess = m.current
			f.err = nil
			m.mu.Unlock()
			close(f.done)
			metrics.SessionRefreshes.WithLabelValues(m.backend, "failure").Inc()
			logging.Warn().Str("backend", m.backend).Err(err).Msg("session refresh failed, keeping current session")
			return
		}
		f.err = fmt.Errorf("login to %s: %w", m.backend, err)
		m.mu.Unlock()
		close(f.done)
		metrics.SessionRefreshes.WithLabelValues(m.backend, "failure").Inc()
		logging.Error().Str("backend", m.backend).Err(err).Msg("session login failed")
		return
	}

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	m.current = sess
	m.refreshes++
	m.lastRefresh = time.Now()
	f.sess = sess
	m.mu.Unlock()
	close(f.done)

	metrics.SessionRefreshes.WithLabelValues(m.backend, "success").Inc()
	logging.Debug().
		Str("backend", m.backend).
		Time("expires_at", sess.ExpiresAt).
		Msg("session refreshed")
}

func (m *Manager) wait(ctx context.Context, f *flight) (*Session, error) {
	select {
	case <-f.done:
		return f.sess, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// maskToken keeps the first and last four characters visible. Short
// tokens are fully masked.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
