// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package metrics provides Prometheus instrumentation for the sync core:
// circuit breaker state, rate-limit retries, session refreshes, lookup
// cache efficiency, reconcile decisions, and dead-letter accumulation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Requests observed by the circuit breaker",
		},
		[]string{"backend", "result"}, // "success", "failure", "rejected"
	)

	// Rate Limit Metrics
	RateLimitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_retries_total",
			Help: "Retries performed after HTTP 429 responses",
		},
		[]string{"backend"},
	)

	RateLimitExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_exhausted_total",
			Help: "Requests that consumed every rate-limit retry attempt",
		},
		[]string{"backend"},
	)

	// Session Metrics
	SessionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_refreshes_total",
			Help: "Login attempts per backend by result",
		},
		[]string{"backend", "result"}, // "success", "failure"
	)

	// Lookup Cache Metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lookup_cache_hits_total",
			Help: "Total lookup cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lookup_cache_misses_total",
			Help: "Total lookup cache misses",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lookup_cache_entries",
			Help: "Current number of tracked lookup cache entries",
		},
	)

	// Mapping Ledger Metrics
	ReconcileDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_decisions_total",
			Help: "Reconcile decisions by entity kind and decision",
		},
		[]string{"entity_kind", "decision"}, // "skip", "create", "resync"
	)

	SyncOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_outcomes_total",
			Help: "Recorded sync outcomes by entity kind and status",
		},
		[]string{"entity_kind", "status"}, // "synced", "failed"
	)

	// Notification Metrics
	NotificationsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notifications delivered to the event bus",
		},
	)

	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_dead_letters_total",
			Help: "Notifications persisted to the dead-letter table after retry exhaustion",
		},
	)

	// Failed-Record Recovery Metrics
	FailedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failed_sync_records_total",
			Help: "Failed-record lifecycle events",
		},
		[]string{"event"}, // "recorded", "retried", "resolved", "ignored"
	)
)

// RecordCacheHit increments the lookup cache hit counter.
func RecordCacheHit() { CacheHits.Inc() }

// RecordCacheMiss increments the lookup cache miss counter.
func RecordCacheMiss() { CacheMisses.Inc() }

// RecordDeadLetter increments the dead-letter counter.
func RecordDeadLetter() { DeadLetters.Inc() }
