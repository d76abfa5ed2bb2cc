// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syncbridge/syncbridge/internal/logging"
	"github.com/syncbridge/syncbridge/internal/metrics"
)

// Ledger decides whether a local entity needs syncing and records the
// outcome of sync attempts. All decisions are driven by the canonical
// hash, which makes repeated runs idempotent: unchanged inputs always
// produce Skip, so the remote system never sees duplicate creations.
type Ledger struct {
	store Store
}

// New creates a Ledger on the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetActiveMapping returns the active mapping for the key, or ErrNotFound.
func (l *Ledger) GetActiveMapping(ctx context.Context, localID int64, kind EntityKind) (*MappingRecord, error) {
	return l.store.GetActiveMapping(ctx, localID, kind)
}

// Reconcile computes the canonical hash over the current source fields
// and decides what, if anything, must happen remotely.
//
// Staging and outcome reporting are separate steps: a NeedsCreate or
// NeedsResync decision stages a Pending record, and only a later
// RecordOutcome call (after the remote call actually ran) moves it to
// Synced or Failed.
//
// Returned record:
//   - Skip: the existing active, synced record
//   - NeedsCreate: the freshly staged version 1 record
//   - NeedsResync: the staged new version, or the existing Pending/Failed
//     record when the hash is unchanged (a failed attempt is retried in
//     place, it is not a new version)
func (l *Ledger) Reconcile(ctx context.Context, localID int64, kind EntityKind, displayName string, fields ...string) (Decision, *MappingRecord, error) {
	if !kind.Valid() {
		return "", nil, fmt.Errorf("reconcile: invalid entity kind %q", kind)
	}

	hash := ComputeHash(kind, localID, fields...)

	active, err := l.store.GetActiveMapping(ctx, localID, kind)
	switch {
	case errors.Is(err, ErrNotFound):
		rec := &MappingRecord{
			LocalID:          localID,
			EntityKind:       kind,
			LocalDisplayName: displayName,
			Version:          1,
			IsActive:         true,
			SyncStatus:       StatusPending,
			CanonicalHash:    hash,
			CreatedAt:        time.Now().UTC(),
			UpdatedAt:        time.Now().UTC(),
		}
		if err := l.store.InsertMapping(ctx, rec); err != nil {
			return "", nil, fmt.Errorf("reconcile: stage version 1: %w", err)
		}
		metrics.ReconcileDecisions.WithLabelValues(string(kind), string(NeedsCreate)).Inc()
		logging.Debug().Int64("local_id", localID).Str("kind", string(kind)).Msg("staged initial mapping version")
		return NeedsCreate, rec, nil

	case err != nil:
		return "", nil, fmt.Errorf("reconcile: load active mapping: %w", err)
	}

	if active.CanonicalHash == hash {
		if active.SyncStatus == StatusSynced {
			metrics.ReconcileDecisions.WithLabelValues(string(kind), string(Skip)).Inc()
			return Skip, active, nil
		}
		// Same content, but the last attempt never completed. Retry the
		// existing version rather than staging a new one.
		metrics.ReconcileDecisions.WithLabelValues(string(kind), string(NeedsResync)).Inc()
		return NeedsResync, active, nil
	}

	next := &MappingRecord{
		LocalID:           localID,
		EntityKind:        kind,
		RemoteCode:        active.RemoteCode,
		RemoteNumericID:   active.RemoteNumericID,
		LocalDisplayName:  displayName,
		RemoteDisplayName: active.RemoteDisplayName,
		Version:           active.Version + 1,
		IsActive:          true,
		SyncStatus:        StatusPending,
		CanonicalHash:     hash,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := l.store.SwapActiveMapping(ctx, active.ID, next); err != nil {
		return "", nil, fmt.Errorf("reconcile: stage version %d: %w", next.Version, err)
	}

	metrics.ReconcileDecisions.WithLabelValues(string(kind), string(NeedsResync)).Inc()
	logging.Debug().
		Int64("local_id", localID).
		Str("kind", string(kind)).
		Int("version", next.Version).
		Msg("content drift detected, staged new mapping version")
	return NeedsResync, next, nil
}

// RecordOutcome applies the result of a remote call to a staged mapping.
//
// On success the record becomes Synced and newly learned remote
// identifiers are filled in; the canonical hash stays the value the
// decision was computed against. On failure the record becomes Failed
// but stays active and retryable - a failed attempt is not a new version.
func (l *Ledger) RecordOutcome(ctx context.Context, mappingID int64, success bool, remoteNumericID *int64, remoteCode string, errorMessage string) (*MappingRecord, error) {
	rec, err := l.store.GetMapping(ctx, mappingID)
	if err != nil {
		return nil, fmt.Errorf("record outcome: load mapping %d: %w", mappingID, err)
	}

	if success {
		rec.SyncStatus = StatusSynced
		if remoteNumericID != nil {
			rec.RemoteNumericID = remoteNumericID
		}
		if remoteCode != "" {
			rec.RemoteCode = remoteCode
		}
	} else {
		rec.SyncStatus = StatusFailed
	}
	rec.UpdatedAt = time.Now().UTC()

	if err := l.store.UpdateOutcome(ctx, rec); err != nil {
		return nil, fmt.Errorf("record outcome: update mapping %d: %w", mappingID, err)
	}

	status := "synced"
	if !success {
		status = "failed"
		logging.Warn().
			Int64("mapping_id", mappingID).
			Str("kind", string(rec.EntityKind)).
			Str("error", errorMessage).
			Msg("sync attempt failed")
	}
	metrics.SyncOutcomes.WithLabelValues(string(rec.EntityKind), status).Inc()

	return rec, nil
}

// History returns the full version trail for an entity, newest first.
func (l *Ledger) History(ctx context.Context, localID int64, kind EntityKind) ([]*MappingRecord, error) {
	return l.store.History(ctx, localID, kind)
}

// ListMappings returns active mappings of one kind, paginated.
func (l *Ledger) ListMappings(ctx context.Context, kind EntityKind, limit, offset int) ([]*MappingRecord, error) {
	return l.store.ListMappings(ctx, kind, limit, offset)
}
