// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package cache is the lookup cache in front of the mapping ledger: a
// BadgerDB map from canonical entity names to remote identifiers, with
// a sliding TTL capped by an absolute one.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/syncbridge/syncbridge/internal/canonical"
	"github.com/syncbridge/syncbridge/internal/logging"
	"github.com/syncbridge/syncbridge/internal/metrics"
)

// Key prefixes for BadgerDB storage. The idx: index tracks every key
// this process ever stored, so Clear and GetStatus do not depend on
// which entries TTL already evicted.
const (
	entryKeyPrefix = "lookup:"
	indexKeyPrefix = "idx:"
)

// ErrNotFound is returned on a cache miss.
var ErrNotFound = errors.New("cache entry not found")

// entry is the stored value. StoredAt carries the absolute deadline
// base across TTL re-arms on read.
type entry struct {
	RemoteID string    `json:"remote_id"`
	StoredAt time.Time `json:"stored_at"`
}

// Status describes the cache for status endpoints.
type Status struct {
	Entries     int       `json:"entries"`
	TrackedKeys int       `json:"tracked_keys"`
	Hits        uint64    `json:"hits"`
	Misses      uint64    `json:"misses"`
	LastWarmup  time.Time `json:"last_warmup,omitempty"`
}

// Store is the badger-backed lookup cache. Lookups are keyed by
// canonical form, so any casing or accent variant of a name finds the
// same entry.
type Store struct {
	db          *badger.DB
	slidingTTL  time.Duration
	absoluteTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64

	// Unix nanoseconds of the last warmup; written by Warmup and read
	// by GetStatus, possibly from different goroutines.
	lastWarmup atomic.Int64
}

// Open creates or opens the cache at path.
func Open(path string, slidingTTL, absoluteTTL time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open lookup cache: %w", err)
	}
	logging.Info().Str("path", path).Msg("lookup cache opened")
	return &Store{db: db, slidingTTL: slidingTTL, absoluteTTL: absoluteTTL}, nil
}

// Close shuts the cache down.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get looks up the remote ID for a name. A hit re-arms the sliding TTL,
// but never past the entry's absolute deadline; entries older than the
// absolute TTL count as misses even if badger has not evicted them yet.
func (s *Store) Get(name string) (string, error) {
	key := entryKey(name)

	var e entry
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}

		deadline := e.StoredAt.Add(s.absoluteTTL)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return badger.ErrKeyNotFound
		}

		ttl := s.slidingTTL
		if remaining < ttl {
			ttl = remaining
		}
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(ttl))
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			s.misses.Add(1)
			metrics.RecordCacheMiss()
			return "", ErrNotFound
		}
		return "", fmt.Errorf("cache get: %w", err)
	}

	s.hits.Add(1)
	metrics.RecordCacheHit()
	return e.RemoteID, nil
}

// GetBulk looks up many names in one pass. The result only contains
// hits; missing names are simply absent.
func (s *Store) GetBulk(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		id, err := s.Get(name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, nil
}

// Set stores one name to remote ID mapping.
func (s *Store) Set(name, remoteID string) error {
	return s.setAll(map[string]string{name: remoteID})
}

// SetBulk stores many mappings in as few transactions as badger allows.
func (s *Store) SetBulk(entries map[string]string) error {
	return s.setAll(entries)
}

func (s *Store) setAll(entries map[string]string) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	now := time.Now().UTC()
	for name, remoteID := range entries {
		canon := canonical.Key(name)
		data, err := json.Marshal(&entry{RemoteID: remoteID, StoredAt: now})
		if err != nil {
			return fmt.Errorf("cache set %q: %w", name, err)
		}
		ttl := s.slidingTTL
		if s.absoluteTTL < ttl {
			ttl = s.absoluteTTL
		}
		if err := wb.SetEntry(badger.NewEntry([]byte(entryKeyPrefix+canon), data).WithTTL(ttl)); err != nil {
			return fmt.Errorf("cache set %q: %w", name, err)
		}
		// Index entries carry no TTL; they outlive the data on purpose.
		if err := wb.Set([]byte(indexKeyPrefix+canon), nil); err != nil {
			return fmt.Errorf("cache index %q: %w", name, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// Warmup replaces the cache contents with a full remote listing,
// typically at startup. Entries and tracked keys from earlier runs are
// dropped first, so names that no longer exist remotely do not survive
// the warmup.
func (s *Store) Warmup(ctx context.Context, entries map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropPrefix([]byte(entryKeyPrefix), []byte(indexKeyPrefix)); err != nil {
		return fmt.Errorf("cache warmup: drop stale entries: %w", err)
	}
	if err := s.setAll(entries); err != nil {
		return fmt.Errorf("cache warmup: %w", err)
	}
	s.lastWarmup.Store(time.Now().UTC().UnixNano())
	logging.Info().Int("entries", len(entries)).Msg("lookup cache warmed up")
	return nil
}

// Clear drops every entry and the tracked-key index.
func (s *Store) Clear() error {
	err := s.db.DropPrefix([]byte(entryKeyPrefix), []byte(indexKeyPrefix))
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	s.hits.Store(0)
	s.misses.Store(0)
	metrics.CacheEntries.Set(0)
	logging.Info().Msg("lookup cache cleared")
	return nil
}

// GetStatus reports live entry and tracked-key counts plus hit/miss
// counters since open.
func (s *Store) GetStatus() (*Status, error) {
	st := &Status{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
	if n := s.lastWarmup.Load(); n != 0 {
		st.LastWarmup = time.Unix(0, n).UTC()
	}

	err := s.db.View(func(txn *badger.Txn) error {
		st.Entries = countPrefix(txn, []byte(entryKeyPrefix))
		st.TrackedKeys = countPrefix(txn, []byte(indexKeyPrefix))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache status: %w", err)
	}

	metrics.CacheEntries.Set(float64(st.Entries))
	return st, nil
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

func entryKey(name string) []byte {
	return []byte(entryKeyPrefix + canonical.Key(name))
}
