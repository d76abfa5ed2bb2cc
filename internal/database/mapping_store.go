// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syncbridge/syncbridge/internal/ledger"
)

const mappingColumns = `id, local_id, entity_kind, remote_code, remote_numeric_id,
	local_display_name, remote_display_name, version, is_active,
	sync_status, canonical_hash, created_at, updated_at`

// GetActiveMapping returns the single active record for the key, or
// ledger.ErrNotFound.
func (db *DB) GetActiveMapping(ctx context.Context, localID int64, kind ledger.EntityKind) (*ledger.MappingRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mapping_records
		WHERE local_id = ? AND entity_kind = ? AND is_active = true`, mappingColumns)

	rec, err := scanMapping(db.conn.QueryRowContext(ctx, query, localID, string(kind)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("query active mapping: %w", err)
	}
	return rec, nil
}

// GetMapping returns a record by primary key, or ledger.ErrNotFound.
func (db *DB) GetMapping(ctx context.Context, id int64) (*ledger.MappingRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM mapping_records WHERE id = ?`, mappingColumns)

	rec, err := scanMapping(db.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("query mapping %d: %w", id, err)
	}
	return rec, nil
}

// InsertMapping inserts a new record and fills in its ID.
func (db *DB) InsertMapping(ctx context.Context, rec *ledger.MappingRecord) error {
	db.idMu.Lock()
	defer db.idMu.Unlock()

	id, err := db.nextID(ctx, "mapping_records")
	if err != nil {
		return err
	}
	rec.ID = id

	if _, err := db.conn.ExecContext(ctx, insertMappingQuery, mappingArgs(rec)...); err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

// SwapActiveMapping deactivates oldID and inserts newRec as the active
// version inside one transaction, so no reader ever observes two active
// rows for the same key.
func (db *DB) SwapActiveMapping(ctx context.Context, oldID int64, newRec *ledger.MappingRecord) error {
	db.idMu.Lock()
	defer db.idMu.Unlock()

	id, err := db.nextID(ctx, "mapping_records")
	if err != nil {
		return err
	}
	newRec.ID = id

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin swap: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE mapping_records SET is_active = false, updated_at = ? WHERE id = ? AND is_active = true`,
		newRec.UpdatedAt, oldID)
	if err != nil {
		return fmt.Errorf("deactivate mapping %d: %w", oldID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, insertMappingQuery, mappingArgs(newRec)...); err != nil {
		return fmt.Errorf("insert mapping version %d: %w", newRec.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}
	return nil
}

// UpdateOutcome applies a sync outcome to an existing record.
func (db *DB) UpdateOutcome(ctx context.Context, rec *ledger.MappingRecord) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE mapping_records
		SET remote_code = ?, remote_numeric_id = ?, remote_display_name = ?,
			sync_status = ?, updated_at = ?
		WHERE id = ?`,
		rec.RemoteCode, rec.RemoteNumericID, rec.RemoteDisplayName,
		string(rec.SyncStatus), rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("update mapping %d: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// History returns all versions for the key, newest first.
func (db *DB) History(ctx context.Context, localID int64, kind ledger.EntityKind) ([]*ledger.MappingRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM mapping_records
		WHERE local_id = ? AND entity_kind = ?
		ORDER BY version DESC`, mappingColumns)

	rows, err := db.conn.QueryContext(ctx, query, localID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query mapping history: %w", err)
	}
	defer rows.Close()

	return collectMappings(rows)
}

// ListMappings returns active records of one kind, paginated.
func (db *DB) ListMappings(ctx context.Context, kind ledger.EntityKind, limit, offset int) ([]*ledger.MappingRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT %s FROM mapping_records
		WHERE entity_kind = ? AND is_active = true
		ORDER BY local_id ASC
		LIMIT ? OFFSET ?`, mappingColumns)

	rows, err := db.conn.QueryContext(ctx, query, string(kind), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	return collectMappings(rows)
}

const insertMappingQuery = `
	INSERT INTO mapping_records (
		id, local_id, entity_kind, remote_code, remote_numeric_id,
		local_display_name, remote_display_name, version, is_active,
		sync_status, canonical_hash, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func mappingArgs(rec *ledger.MappingRecord) []any {
	return []any{
		rec.ID, rec.LocalID, string(rec.EntityKind), rec.RemoteCode, rec.RemoteNumericID,
		rec.LocalDisplayName, rec.RemoteDisplayName, rec.Version, rec.IsActive,
		string(rec.SyncStatus), rec.CanonicalHash, rec.CreatedAt, rec.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (*ledger.MappingRecord, error) {
	rec := &ledger.MappingRecord{}
	var kind, status string
	var remoteNumericID sql.NullInt64
	err := row.Scan(
		&rec.ID, &rec.LocalID, &kind, &rec.RemoteCode, &remoteNumericID,
		&rec.LocalDisplayName, &rec.RemoteDisplayName, &rec.Version, &rec.IsActive,
		&status, &rec.CanonicalHash, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.EntityKind = ledger.EntityKind(kind)
	rec.SyncStatus = ledger.SyncStatus(status)
	if remoteNumericID.Valid {
		rec.RemoteNumericID = &remoteNumericID.Int64
	}
	return rec, nil
}

func collectMappings(rows *sql.Rows) ([]*ledger.MappingRecord, error) {
	var out []*ledger.MappingRecord
	for rows.Next() {
		rec, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
