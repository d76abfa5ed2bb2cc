// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package database

import "fmt"

// createTables initializes the schema. All statements are idempotent so
// startup against an existing database is a no-op.
func (db *DB) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mapping_records (
			id BIGINT PRIMARY KEY,
			local_id BIGINT NOT NULL,
			entity_kind VARCHAR NOT NULL,
			remote_code VARCHAR NOT NULL DEFAULT '',
			remote_numeric_id BIGINT,
			local_display_name VARCHAR NOT NULL DEFAULT '',
			remote_display_name VARCHAR NOT NULL DEFAULT '',
			version INTEGER NOT NULL,
			is_active BOOLEAN NOT NULL,
			sync_status VARCHAR NOT NULL,
			canonical_hash VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mapping_active
			ON mapping_records (local_id, entity_kind, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_mapping_hash
			ON mapping_records (canonical_hash)`,

		`CREATE TABLE IF NOT EXISTS failed_sync_records (
			id BIGINT PRIMARY KEY,
			mapping_id BIGINT NOT NULL,
			entity_kind VARCHAR NOT NULL,
			local_id BIGINT NOT NULL,
			backend VARCHAR NOT NULL,
			method VARCHAR NOT NULL DEFAULT '',
			url VARCHAR NOT NULL DEFAULT '',
			payload BLOB,
			error_class VARCHAR NOT NULL,
			error_message VARCHAR NOT NULL DEFAULT '',
			status VARCHAR NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMP,
			last_retry_at TIMESTAMP,
			failed_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			resolved_by VARCHAR NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failed_status
			ON failed_sync_records (status, next_retry_at)`,

		`CREATE TABLE IF NOT EXISTS dead_letters (
			id BIGINT PRIMARY KEY,
			event_id VARCHAR NOT NULL,
			topic VARCHAR NOT NULL,
			payload BLOB,
			last_error VARCHAR NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
