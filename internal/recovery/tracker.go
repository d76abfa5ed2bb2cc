// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/syncbridge/syncbridge/internal/logging"
	"github.com/syncbridge/syncbridge/internal/metrics"
)

// Resender performs the actual remote resend during Resolve. It receives
// the corrected payload and returns an error if the remote call failed.
type Resender func(ctx context.Context, rec *FailedSyncRecord, payload []byte) error

// Tracker manages the failed-record lifecycle on top of a Store.
type Tracker struct {
	store     Store
	retryBase time.Duration
	retryCap  time.Duration
}

// NewTracker creates a Tracker. retryBase is the delay before the first
// retry; each further retry doubles it, capped at retryCap.
func NewTracker(store Store, retryBase, retryCap time.Duration) *Tracker {
	if retryBase <= 0 {
		retryBase = 30 * time.Second
	}
	if retryCap <= 0 {
		retryCap = 4 * time.Hour
	}
	return &Tracker{store: store, retryBase: retryBase, retryCap: retryCap}
}

// RecordFailure persists a new failed record in Failed state and
// schedules its first retry.
func (t *Tracker) RecordFailure(ctx context.Context, rec *FailedSyncRecord) error {
	now := time.Now().UTC()
	next := now.Add(t.backoff(0))
	rec.Status = StatusFailed
	rec.RetryCount = 0
	rec.NextRetryAt = &next
	rec.FailedAt = now
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := t.store.InsertFailedRecord(ctx, rec); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	metrics.FailedRecords.WithLabelValues("recorded").Inc()
	logging.Warn().
		Int64("local_id", rec.LocalID).
		Str("kind", rec.EntityKind).
		Str("backend", rec.Backend).
		Str("error_class", rec.ErrorClass).
		Msg("sync failure recorded for recovery")
	return nil
}

// ScheduleRetry claims a record for a retry attempt: the retry count
// goes up, the attempt time is stamped, and the record moves to
// Retrying so concurrent retry passes do not pick it up again. Terminal
// records are rejected.
func (t *Tracker) ScheduleRetry(ctx context.Context, id int64) (*FailedSyncRecord, error) {
	rec, err := t.store.GetFailedRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("schedule retry: %w", err)
	}
	if rec.Status.terminal() {
		return nil, fmt.Errorf("schedule retry for record %d: %w", id, ErrTerminal)
	}

	now := time.Now().UTC()
	rec.RetryCount++
	rec.Status = StatusRetrying
	rec.LastRetryAt = &now
	rec.NextRetryAt = nil
	rec.UpdatedAt = now

	if err := t.store.UpdateFailedRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("schedule retry: %w", err)
	}
	metrics.FailedRecords.WithLabelValues("retried").Inc()
	return rec, nil
}

// RecordRetryOutcome applies the result of a retry attempt. Success
// resolves the record; failure drops it back to Failed with the retry
// count preserved and the next retry pushed further out.
func (t *Tracker) RecordRetryOutcome(ctx context.Context, id int64, success bool, errorMessage string) (*FailedSyncRecord, error) {
	rec, err := t.store.GetFailedRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("record retry outcome: %w", err)
	}
	if rec.Status.terminal() {
		return nil, fmt.Errorf("retry outcome for record %d: %w", id, ErrTerminal)
	}

	now := time.Now().UTC()
	if success {
		rec.Status = StatusResolved
		rec.ResolvedBy = "retry"
		rec.ResolvedAt = &now
		rec.NextRetryAt = nil
		metrics.FailedRecords.WithLabelValues("retry_succeeded").Inc()
	} else {
		next := now.Add(t.backoff(rec.RetryCount))
		rec.Status = StatusFailed
		rec.FailedAt = now
		rec.NextRetryAt = &next
		rec.ErrorMessage = errorMessage
		metrics.FailedRecords.WithLabelValues("retry_failed").Inc()
	}
	rec.UpdatedAt = now

	if err := t.store.UpdateFailedRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("record retry outcome: %w", err)
	}
	return rec, nil
}

// Resolve marks a record resolved. When correctedPayload is non-nil it
// replaces the stored payload, and when resend is true the record is
// resent through the given Resender before being marked resolved. A
// failed resend keeps the record in Failed with the corrected payload
// retained for the next attempt, and returns the error.
func (t *Tracker) Resolve(ctx context.Context, id int64, correctedPayload []byte, resend bool, resolvedBy string, resender Resender) (*FailedSyncRecord, error) {
	rec, err := t.store.GetFailedRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if rec.Status.terminal() {
		return nil, fmt.Errorf("resolve record %d: %w", id, ErrTerminal)
	}

	payload := rec.Payload
	if correctedPayload != nil {
		payload = correctedPayload
	}

	if resend {
		if resender == nil {
			return nil, fmt.Errorf("resolve record %d: resend requested but no resender configured", id)
		}
		if rerr := resender(ctx, rec, payload); rerr != nil {
			now := time.Now().UTC()
			rec.Payload = payload
			rec.Status = StatusFailed
			rec.FailedAt = now
			rec.ErrorMessage = rerr.Error()
			rec.UpdatedAt = now
			if uerr := t.store.UpdateFailedRecord(ctx, rec); uerr != nil {
				logging.Error().Err(uerr).Int64("record_id", id).Msg("failed to persist corrected payload after resend failure")
			}
			return nil, fmt.Errorf("resolve record %d: resend: %w", id, rerr)
		}
	}

	now := time.Now().UTC()
	rec.Payload = payload
	rec.Status = StatusResolved
	rec.ResolvedBy = resolvedBy
	rec.ResolvedAt = &now
	rec.NextRetryAt = nil
	rec.UpdatedAt = now

	if err := t.store.UpdateFailedRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	metrics.FailedRecords.WithLabelValues("resolved").Inc()
	logging.Info().
		Int64("record_id", id).
		Str("resolved_by", resolvedBy).
		Bool("resent", resend).
		Msg("failed sync record resolved")
	return rec, nil
}

// Ignore marks a record ignored. Terminal records are rejected.
func (t *Tracker) Ignore(ctx context.Context, id int64, ignoredBy string) (*FailedSyncRecord, error) {
	rec, err := t.store.GetFailedRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ignore: %w", err)
	}
	if rec.Status.terminal() {
		return nil, fmt.Errorf("ignore record %d: %w", id, ErrTerminal)
	}

	now := time.Now().UTC()
	rec.Status = StatusIgnored
	rec.ResolvedBy = ignoredBy
	rec.ResolvedAt = &now
	rec.NextRetryAt = nil
	rec.UpdatedAt = now

	if err := t.store.UpdateFailedRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("ignore: %w", err)
	}

	metrics.FailedRecords.WithLabelValues("ignored").Inc()
	return rec, nil
}

// GetRetryable returns records due for a retry at the given time.
func (t *Tracker) GetRetryable(ctx context.Context, now time.Time) ([]*FailedSyncRecord, error) {
	return t.store.ListRetryable(ctx, now)
}

// ListByFilter returns failed records matching the filter.
func (t *Tracker) ListByFilter(ctx context.Context, filter Filter) ([]*FailedSyncRecord, error) {
	return t.store.ListFailedRecords(ctx, filter)
}

// Stats summarizes failure activity over the trailing window.
func (t *Tracker) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	return t.store.FailedRecordStats(ctx, time.Now().UTC().Add(-window))
}

// backoff returns the delay before retry number retryCount+1, doubling
// from retryBase and capped at retryCap.
func (t *Tracker) backoff(retryCount int) time.Duration {
	d := t.retryBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= t.retryCap {
			return t.retryCap
		}
	}
	if d > t.retryCap {
		return t.retryCap
	}
	return d
}
