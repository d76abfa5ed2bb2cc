// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package database

import (
	"context"
	"fmt"

	"github.com/syncbridge/syncbridge/internal/notify"
)

// InsertDeadLetter persists an undeliverable notification.
func (db *DB) InsertDeadLetter(ctx context.Context, dl *notify.DeadLetter) error {
	db.idMu.Lock()
	defer db.idMu.Unlock()

	id, err := db.nextID(ctx, "dead_letters")
	if err != nil {
		return err
	}
	dl.ID = id

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO dead_letters (id, event_id, topic, payload, last_error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.EventID, dl.Topic, dl.Payload, dl.LastError, dl.Attempts, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns up to limit dead letters, oldest first so
// replay preserves rough delivery order.
func (db *DB) ListDeadLetters(ctx context.Context, limit int) ([]*notify.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, event_id, topic, payload, last_error, attempts, created_at
		FROM dead_letters ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*notify.DeadLetter
	for rows.Next() {
		dl := &notify.DeadLetter{}
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.Topic, &dl.Payload, &dl.LastError, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// DeleteDeadLetter removes a replayed dead letter.
func (db *DB) DeleteDeadLetter(ctx context.Context, id int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete dead letter %d: %w", id, err)
	}
	return nil
}
