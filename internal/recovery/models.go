// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package recovery tracks sync attempts that failed after the resilience
// layer gave up, and drives their retry, resolve, and ignore lifecycle.
package recovery

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a failed sync record.
type Status string

const (
	// StatusFailed is the initial state: the failure is recorded and the
	// record is eligible for retry scheduling.
	StatusFailed Status = "failed"

	// StatusRetrying means a retry attempt is in flight; its outcome
	// moves the record back to Failed or on to Resolved.
	StatusRetrying Status = "retrying"

	// StatusResolved is terminal: an operator fixed the payload and the
	// resend succeeded, or marked it resolved by hand.
	StatusResolved Status = "resolved"

	// StatusIgnored is terminal: an operator decided the record needs no
	// further action.
	StatusIgnored Status = "ignored"
)

// terminal reports whether no further retries may happen from this state.
func (s Status) terminal() bool {
	return s == StatusResolved || s == StatusIgnored
}

// FailedSyncRecord is one sync attempt that exhausted its retries.
// Payload holds the JSON request body as it was sent, so an operator can
// inspect and correct it before a resend.
type FailedSyncRecord struct {
	ID           int64      `json:"id"`
	MappingID    int64      `json:"mapping_id"`
	EntityKind   string     `json:"entity_kind"`
	LocalID      int64      `json:"local_id"`
	Backend      string     `json:"backend"`
	Method       string     `json:"method"`
	URL          string     `json:"url"`
	Payload      []byte     `json:"payload"`
	ErrorClass   string     `json:"error_class"`
	ErrorMessage string     `json:"error_message"`
	Status       Status     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	LastRetryAt  *time.Time `json:"last_retry_at,omitempty"`
	FailedAt     time.Time  `json:"failed_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Filter narrows ListByFilter results. Zero-valued fields match everything.
type Filter struct {
	Status     Status
	EntityKind string
	Backend    string
	Limit      int
	Offset     int
}

// Stats summarizes failure activity inside a time window.
type Stats struct {
	TotalFailed   int            `json:"total_failed"`
	TotalResolved int            `json:"total_resolved"`
	TotalIgnored  int            `json:"total_ignored"`
	Retryable     int            `json:"retryable"`
	AvgRetryCount float64        `json:"avg_retry_count"`
	ByErrorClass  map[string]int `json:"by_error_class"`
	ByBackend     map[string]int `json:"by_backend"`
}

// ErrNotFound is returned when no failed record matches a lookup.
var ErrNotFound = errors.New("failed sync record not found")

// ErrTerminal is returned when an operation needs a non-terminal record
// but the record is already resolved or ignored.
var ErrTerminal = errors.New("failed sync record is in a terminal state")

// Store is the persistence contract for failed sync records. Implemented
// by internal/database on DuckDB.
type Store interface {
	InsertFailedRecord(ctx context.Context, rec *FailedSyncRecord) error
	GetFailedRecord(ctx context.Context, id int64) (*FailedSyncRecord, error)
	UpdateFailedRecord(ctx context.Context, rec *FailedSyncRecord) error

	// ListRetryable returns records in Failed state whose NextRetryAt is
	// unset or at/before now. Retrying records are excluded; their
	// attempt is already in flight.
	ListRetryable(ctx context.Context, now time.Time) ([]*FailedSyncRecord, error)

	ListFailedRecords(ctx context.Context, filter Filter) ([]*FailedSyncRecord, error)
	FailedRecordStats(ctx context.Context, since time.Time) (*Stats, error)
}
