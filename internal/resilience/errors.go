// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package resilience wraps remote backend calls with rate-limit retry,
// per-backend circuit breaking, and error classification.
package resilience

import (
	"errors"
	"fmt"
	"time"
)

// TransientError marks a failure worth retrying: network faults,
// timeouts, 5xx responses. The circuit breaker counts these.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError means the backend kept answering 429 after all retry
// attempts were spent. RetryAfter carries the backend's last hint, zero
// when none was given.
type RateLimitedError struct {
	Backend    string
	RetryAfter time.Duration
	Attempts   int
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s after %d attempts (retry after %s)", e.Backend, e.Attempts, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s after %d attempts", e.Backend, e.Attempts)
}

// AuthError means the backend rejected our credentials or session.
// Retrying without a fresh login is pointless; the batch runner pauses
// the backend when it sees one.
type AuthError struct {
	Backend    string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected by %s (status %d)", e.Backend, e.StatusCode)
}

// ValidationError means the backend rejected the request content.
// The payload must change before a retry can succeed, so these flow to
// the recovery tracker rather than the retry loop.
type ValidationError struct {
	Backend    string
	StatusCode int
	Code       string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("validation rejected by %s: %s: %s", e.Backend, e.Code, e.Message)
	}
	return fmt.Sprintf("validation rejected by %s: %s", e.Backend, e.Message)
}

// PersistenceError marks a local store failure, distinct from anything
// the remote backend did.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Classify helpers used by callers that only care about the category.

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsRateLimited(err error) bool {
	var r *RateLimitedError
	return errors.As(err, &r)
}

func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ClassName returns the taxonomy name of an error for logging and the
// recovery tracker's error_class column.
func ClassName(err error) string {
	switch {
	case IsAuth(err):
		return "auth"
	case IsRateLimited(err):
		return "rate_limited"
	case IsValidation(err):
		return "validation"
	case IsTransient(err):
		return "transient"
	default:
		var p *PersistenceError
		if errors.As(err, &p) {
			return "persistence"
		}
		return "unknown"
	}
}
