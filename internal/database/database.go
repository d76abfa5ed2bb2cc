// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package database persists mapping records, failed sync records, and
// notification dead letters in DuckDB through database/sql.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/logging"
)

// DB wraps the DuckDB connection and implements the store contracts of
// internal/ledger, internal/recovery, and internal/notify.
type DB struct {
	conn *sql.DB
	cfg  config.DatabaseConfig

	// DuckDB has no auto-increment with PRIMARY KEY, so row IDs are
	// generated with max(id)+1 under this mutex.
	idMu sync.Mutex
}

// New opens (or creates) the database at cfg.Path and initializes the
// schema.
func New(cfg config.DatabaseConfig) (*DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, threads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{conn: conn, cfg: cfg}
	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("database opened")
	return db, nil
}

// Conn exposes the raw connection for status checks.
func (db *DB) Conn() *sql.DB { return db.conn }

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close shuts the connection down.
func (db *DB) Close() error {
	return db.conn.Close()
}

// nextID generates the next row ID for a table. Caller-side generation
// is safe because all writers share this process and the idMu mutex.
func (db *DB) nextID(ctx context.Context, table string) (int64, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) + 1 FROM %s`, table)

	var id int64
	if err := db.conn.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return 0, fmt.Errorf("next id for %s: %w", table, err)
	}
	return id, nil
}
