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
	"strings"
	"time"

	"github.com/syncbridge/syncbridge/internal/recovery"
)

const failedColumns = `id, mapping_id, entity_kind, local_id, backend, method, url,
	payload, error_class, error_message, status, retry_count, next_retry_at,
	last_retry_at, failed_at, resolved_at, resolved_by, created_at, updated_at`

// InsertFailedRecord persists a new failed sync record and fills in its ID.
func (db *DB) InsertFailedRecord(ctx context.Context, rec *recovery.FailedSyncRecord) error {
	db.idMu.Lock()
	defer db.idMu.Unlock()

	id, err := db.nextID(ctx, "failed_sync_records")
	if err != nil {
		return err
	}
	rec.ID = id

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO failed_sync_records (
			id, mapping_id, entity_kind, local_id, backend, method, url,
			payload, error_class, error_message, status, retry_count, next_retry_at,
			last_retry_at, failed_at, resolved_at, resolved_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MappingID, rec.EntityKind, rec.LocalID, rec.Backend, rec.Method, rec.URL,
		rec.Payload, rec.ErrorClass, rec.ErrorMessage, string(rec.Status), rec.RetryCount, rec.NextRetryAt,
		rec.LastRetryAt, rec.FailedAt, rec.ResolvedAt, rec.ResolvedBy, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert failed record: %w", err)
	}
	return nil
}

// GetFailedRecord returns a record by ID, or recovery.ErrNotFound.
func (db *DB) GetFailedRecord(ctx context.Context, id int64) (*recovery.FailedSyncRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM failed_sync_records WHERE id = ?`, failedColumns)

	rec, err := scanFailed(db.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, recovery.ErrNotFound
		}
		return nil, fmt.Errorf("query failed record %d: %w", id, err)
	}
	return rec, nil
}

// UpdateFailedRecord overwrites a record's mutable fields.
func (db *DB) UpdateFailedRecord(ctx context.Context, rec *recovery.FailedSyncRecord) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE failed_sync_records
		SET payload = ?, error_message = ?, status = ?, retry_count = ?,
			next_retry_at = ?, last_retry_at = ?, failed_at = ?, resolved_at = ?,
			resolved_by = ?, updated_at = ?
		WHERE id = ?`,
		rec.Payload, rec.ErrorMessage, string(rec.Status), rec.RetryCount,
		rec.NextRetryAt, rec.LastRetryAt, rec.FailedAt, rec.ResolvedAt,
		rec.ResolvedBy, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("update failed record %d: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return recovery.ErrNotFound
	}
	return nil
}

// ListRetryable returns Failed records whose next retry time has passed
// (or was never set). Retrying records are already claimed by an
// in-flight attempt and excluded.
func (db *DB) ListRetryable(ctx context.Context, now time.Time) ([]*recovery.FailedSyncRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM failed_sync_records
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY next_retry_at ASC NULLS FIRST`, failedColumns)

	rows, err := db.conn.QueryContext(ctx, query,
		string(recovery.StatusFailed), now)
	if err != nil {
		return nil, fmt.Errorf("list retryable records: %w", err)
	}
	defer rows.Close()

	return collectFailed(rows)
}

// ListFailedRecords returns records matching the filter, newest first.
func (db *DB) ListFailedRecords(ctx context.Context, filter recovery.Filter) ([]*recovery.FailedSyncRecord, error) {
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EntityKind != "" {
		conds = append(conds, "entity_kind = ?")
		args = append(args, filter.EntityKind)
	}
	if filter.Backend != "" {
		conds = append(conds, "backend = ?")
		args = append(args, filter.Backend)
	}

	query := fmt.Sprintf(`SELECT %s FROM failed_sync_records`, failedColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed records: %w", err)
	}
	defer rows.Close()

	return collectFailed(rows)
}

// FailedRecordStats summarizes failure activity since the given time.
func (db *DB) FailedRecordStats(ctx context.Context, since time.Time) (*recovery.Stats, error) {
	stats := &recovery.Stats{
		ByErrorClass: make(map[string]int),
		ByBackend:    make(map[string]int),
	}

	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN (?, ?)),
			COUNT(*) FILTER (WHERE status = ?),
			COUNT(*) FILTER (WHERE status = ?),
			COALESCE(AVG(retry_count), 0)
		FROM failed_sync_records WHERE created_at >= ?`,
		string(recovery.StatusFailed), string(recovery.StatusRetrying),
		string(recovery.StatusResolved), string(recovery.StatusIgnored), since,
	).Scan(&stats.TotalFailed, &stats.TotalResolved, &stats.TotalIgnored, &stats.AvgRetryCount)
	if err != nil {
		return nil, fmt.Errorf("failed record counts: %w", err)
	}

	err = db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM failed_sync_records
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)`,
		string(recovery.StatusFailed), time.Now().UTC(),
	).Scan(&stats.Retryable)
	if err != nil {
		return nil, fmt.Errorf("retryable count: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT error_class, COUNT(*) FROM failed_sync_records
		WHERE created_at >= ? GROUP BY error_class`, since)
	if err != nil {
		return nil, fmt.Errorf("counts by error class: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var class string
		var count int
		if err := rows.Scan(&class, &count); err != nil {
			return nil, fmt.Errorf("scan error class count: %w", err)
		}
		stats.ByErrorClass[class] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error class counts: %w", err)
	}

	rows2, err := db.conn.QueryContext(ctx, `
		SELECT backend, COUNT(*) FROM failed_sync_records
		WHERE created_at >= ? GROUP BY backend`, since)
	if err != nil {
		return nil, fmt.Errorf("counts by backend: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		var backend string
		var count int
		if err := rows2.Scan(&backend, &count); err != nil {
			return nil, fmt.Errorf("scan backend count: %w", err)
		}
		stats.ByBackend[backend] = count
	}
	if err := rows2.Err(); err != nil {
		return nil, fmt.Errorf("iterate backend counts: %w", err)
	}

	return stats, nil
}

func scanFailed(row rowScanner) (*recovery.FailedSyncRecord, error) {
	rec := &recovery.FailedSyncRecord{}
	var status string
	var nextRetry, lastRetry, resolved sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.MappingID, &rec.EntityKind, &rec.LocalID, &rec.Backend, &rec.Method, &rec.URL,
		&rec.Payload, &rec.ErrorClass, &rec.ErrorMessage, &status, &rec.RetryCount, &nextRetry,
		&lastRetry, &rec.FailedAt, &resolved, &rec.ResolvedBy, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = recovery.Status(status)
	if nextRetry.Valid {
		rec.NextRetryAt = &nextRetry.Time
	}
	if lastRetry.Valid {
		rec.LastRetryAt = &lastRetry.Time
	}
	if resolved.Valid {
		rec.ResolvedAt = &resolved.Time
	}
	return rec, nil
}

func collectFailed(rows *sql.Rows) ([]*recovery.FailedSyncRecord, error) {
	var out []*recovery.FailedSyncRecord
	for rows.Next() {
		rec, err := scanFailed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
