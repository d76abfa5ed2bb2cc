// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/syncbridge/syncbridge/internal/logging"
	"github.com/syncbridge/syncbridge/internal/metrics"
)

// ErrBreakerOpen is returned when a call is rejected because the
// backend's circuit is open or the half-open trial slot is taken.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Breaker is a per-backend circuit breaker around HTTP calls. Each
// backend gets its own instance; they are constructed once at startup
// and injected into every caller that talks to that backend, so all
// traffic to one backend shares one failure budget.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[*http.Response]
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for cooldown. While half-open exactly one
// trial request is admitted; its outcome closes or re-opens the circuit.
func NewBreaker(name string, threshold uint32, cooldown time.Duration) *Breaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},


		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().
				Str("backend", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &Breaker{name: name, cb: cb}
}

// Name returns the backend name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state as a string for status reporting.
func (b *Breaker) State() string { return stateToString(b.cb.State()) }

// Execute runs fn under the breaker. When the circuit is open the call
// is rejected immediately with ErrBreakerOpen and fn never runs. A call
// whose context is already cancelled bypasses the breaker entirely:
// cancellation says nothing about backend health, so it must neither
// reset the failure streak nor settle a half-open trial.
func (b *Breaker) Execute(ctx context.Context, fn func() (*http.Response, error)) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			return nil, ErrBreakerOpen
		}
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		return resp, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return resp, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
