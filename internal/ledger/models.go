// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package ledger implements the mapping ledger: append-only, versioned
// correspondence records between local entities and their remote
// counterparts, keyed by a canonical content hash.
//
// The ledger is the source of truth for "does this entity need syncing".
// The lookup cache (internal/cache) is only an accelerator in front of it.
package ledger

import (
	"context"
	"errors"
	"time"
)

// EntityKind identifies which business entity a mapping record covers.
type EntityKind string

const (
	KindProduct  EntityKind = "product"
	KindSupplier EntityKind = "supplier"
	KindCustomer EntityKind = "customer"
	KindLocation EntityKind = "location"
	KindOrder    EntityKind = "order"
)

// Valid reports whether the kind is one of the five known entity kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindProduct, KindSupplier, KindCustomer, KindLocation, KindOrder:
		return true
	}
	return false
}

// SyncStatus is the synchronization state of one mapping version.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Decision is the outcome of a Reconcile call.
type Decision string

const (
	// Skip means the active mapping is synced and its hash matches the
	// current source fields; the remote system must not be called again.
	Skip Decision = "skip"

	// NeedsCreate means no mapping exists yet for this entity.
	NeedsCreate Decision = "create"

	// NeedsResync means the entity exists remotely but its canonical
	// content has drifted, or a previous attempt never completed.
	NeedsResync Decision = "resync"
)

// MappingRecord is one version of the correspondence between a local
// entity and its remote counterpart. For a given (LocalID, EntityKind)
// at most one record has IsActive true; older versions are deactivated,
// never deleted.
type MappingRecord struct {
	ID                int64      `json:"id"`
	LocalID           int64      `json:"local_id"`
	EntityKind        EntityKind `json:"entity_kind"`
	RemoteCode        string     `json:"remote_code"`
	RemoteNumericID   *int64     `json:"remote_numeric_id,omitempty"`
	LocalDisplayName  string     `json:"local_display_name"`
	RemoteDisplayName string     `json:"remote_display_name"`
	Version           int        `json:"version"`
	IsActive          bool       `json:"is_active"`
	SyncStatus        SyncStatus `json:"sync_status"`
	CanonicalHash     string     `json:"canonical_hash"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ErrNotFound is returned when no mapping matches a lookup.
var ErrNotFound = errors.New("mapping not found")

// Store is the persistence contract the ledger runs on. Implemented by
// internal/database on DuckDB; tests provide in-memory fakes.
type Store interface {
	// GetActiveMapping returns the single active record for the key, or
	// ErrNotFound.
	GetActiveMapping(ctx context.Context, localID int64, kind EntityKind) (*MappingRecord, error)

	// GetMapping returns a record by primary key, or ErrNotFound.
	GetMapping(ctx context.Context, id int64) (*MappingRecord, error)

	// InsertMapping inserts a new record and fills in its ID.
	InsertMapping(ctx context.Context, rec *MappingRecord) error

	// SwapActiveMapping deactivates oldID and inserts newRec as the
	// active version in one atomic unit. At no observable point may two
	// rows for the same (LocalID, EntityKind) both be active.
	SwapActiveMapping(ctx context.Context, oldID int64, newRec *MappingRecord) error

	// UpdateOutcome applies a sync outcome to an existing record.
	UpdateOutcome(ctx context.Context, rec *MappingRecord) error

	// History returns all versions for the key, newest first.
	History(ctx context.Context, localID int64, kind EntityKind) ([]*MappingRecord, error)

	// ListMappings returns active records of one kind, paginated.
	ListMappings(ctx context.Context, kind EntityKind, limit, offset int) ([]*MappingRecord, error)
}
