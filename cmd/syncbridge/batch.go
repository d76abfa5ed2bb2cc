// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/ledger"
	"github.com/syncbridge/syncbridge/internal/runner"
)

// batchEntity is one line item in a batch file.
type batchEntity struct {
	LocalID     int64    `json:"local_id"`
	Kind        string   `json:"kind"`
	DisplayName string   `json:"display_name"`
	Fields      []string `json:"fields"`
	Backend     string   `json:"backend"`
}

// remoteEntityResponse is what backends answer on create and update.
type remoteEntityResponse struct {
	ID   *int64 `json:"id"`
	Code string `json:"code"`
}

// loadBatch reads a JSON batch file and turns each entity into a
// runner item. Creates POST to the kind's collection; resyncs PUT to
// the entity's remote code.
func loadBatch(path string, cfg *config.Config) ([]runner.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}

	var entities []batchEntity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}

	items := make([]runner.Item, 0, len(entities))
	for i, e := range entities {
		kind := ledger.EntityKind(e.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("batch entry %d: unknown entity kind %q", i, e.Kind)
		}
		backend, err := cfg.Backend(e.Backend)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		items = append(items, newItem(e, kind, *backend))
	}
	return items, nil
}

func newItem(e batchEntity, kind ledger.EntityKind, backend config.BackendConfig) runner.Item {
	base := strings.TrimRight(backend.URL, "/") + "/api/v1/" + string(kind) + "s"

	return runner.Item{
		LocalID:     e.LocalID,
		Kind:        kind,
		DisplayName: e.DisplayName,
		HashFields:  e.Fields,
		Backend:     backend.Name,

		BuildRequest: func(ctx context.Context, decision ledger.Decision, rec *ledger.MappingRecord) (*http.Request, []byte, error) {
			body := map[string]any{
				"local_id":     e.LocalID,
				"display_name": e.DisplayName,
				"fields":       e.Fields,
				"version":      rec.Version,
			}
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, nil, fmt.Errorf("marshal %s %d: %w", kind, e.LocalID, err)
			}

			method := http.MethodPost
			url := base
			if decision == ledger.NeedsResync && rec.RemoteCode != "" {
				method = http.MethodPut
				url = base + "/" + rec.RemoteCode
			}

			req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
			if err != nil {
				return nil, nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, payload, nil
		},

		ParseResponse: func(resp *http.Response) (*int64, string, error) {
			defer resp.Body.Close()
			var re remoteEntityResponse
			if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&re); err != nil {
				return nil, "", fmt.Errorf("decode response: %w", err)
			}
			return re.ID, re.Code, nil
		},
	}
}

// summarize counts batch outcomes for the exit log line.
func summarize(outcomes []runner.Outcome) (synced, skipped, failed int) {
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			failed++
		case o.Decision == ledger.Skip:
			skipped++
		default:
			synced++
		}
	}
	return
}
