// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package recovery

import (
	"bytes"
	"fmt"
	"net/http"
)

// BuildReplayRequest reconstructs the HTTP request a failed record
// captured, using the record's current payload so operator corrections
// made through Resolve are what gets resent.
func BuildReplayRequest(rec *FailedSyncRecord) (*http.Request, error) {
	if rec.Method == "" || rec.URL == "" {
		return nil, fmt.Errorf("record %d has no captured request to replay", rec.ID)
	}

	req, err := http.NewRequest(rec.Method, rec.URL, bytes.NewReader(rec.Payload))
	if err != nil {
		return nil, fmt.Errorf("build replay request for record %d: %w", rec.ID, err)
	}
	if len(rec.Payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
