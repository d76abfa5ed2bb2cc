// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/syncbridge/syncbridge/internal/cache"
	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/database"
	"github.com/syncbridge/syncbridge/internal/ledger"
	"github.com/syncbridge/syncbridge/internal/recovery"
	"github.com/syncbridge/syncbridge/internal/resilience"
	"github.com/syncbridge/syncbridge/internal/session"
)

type fixture struct {
	ledger  *ledger.Ledger
	cache   *cache.Store
	tracker *recovery.Tracker
	runner  *Runner
}

func newFixture(t *testing.T, backendURL string) *fixture {
	t.Helper()

	db, err := database.New(config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "runner.duckdb"),
		MaxMemory: "256MB",
		Threads:   2,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	lookups, err := cache.Open(t.TempDir(), 30*time.Minute, 6*time.Hour)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { lookups.Close() })

	cfg := config.BackendConfig{
		Name:          "erp",
		URL:           backendURL,
		SessionCookie: "SESSIONID",
		Timeout:       5 * time.Second,
	}
	sessions := session.NewManager("erp", func(ctx context.Context) (*session.Session, error) {
		return &session.Session{Token: "tok-runner-test", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, time.Minute)
	breaker := resilience.NewBreaker(fmt.Sprintf("erp-runner-%s", t.Name()), 5, time.Minute)
	retry := resilience.NewRetryPolicy("erp", 3, time.Millisecond)
	caller := resilience.NewCaller(cfg, sessions, breaker, retry)

	mappings := ledger.New(db)
	tracker := recovery.NewTracker(db, time.Second, time.Minute)
	r := New(mappings, map[string]*resilience.Caller{"erp": caller}, lookups, tracker, nil, 2)

	return &fixture{ledger: mappings, cache: lookups, tracker: tracker, runner: r}
}

func testItem(url string, localID int64, name string, fields ...string) Item {
	return Item{
		LocalID:     localID,
		Kind:        ledger.KindProduct,
		DisplayName: name,
		HashFields:  fields,
		Backend:     "erp",

		BuildRequest: func(ctx context.Context, decision ledger.Decision, rec *ledger.MappingRecord) (*http.Request, []byte, error) {
			payload, err := json.Marshal(map[string]any{"display_name": name, "fields": fields})
			if err != nil {
				return nil, nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			return req, payload, err
		},
		ParseResponse: func(resp *http.Response) (*int64, string, error) {
			defer resp.Body.Close()
			var re struct {
				ID   *int64 `json:"id"`
				Code string `json:"code"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&re); err != nil {
				return nil, "", err
			}
			return re.ID, re.Code, nil
		},
	}
}

func TestRunner_CreateThenSkip(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.WriteString(w, `{"id":9001,"code":"P-9001"}`)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	item := testItem(srv.URL, 42, "Widget", "abc-1", "WH-MAIN")

	outcomes := f.runner.Run(context.Background(), []Item{item})
	if outcomes[0].Err != nil {
		t.Fatalf("first run: %v", outcomes[0].Err)
	}
	if outcomes[0].Decision != ledger.NeedsCreate {
		t.Errorf("decision = %s, want create", outcomes[0].Decision)
	}

	rec, err := f.ledger.GetActiveMapping(context.Background(), 42, ledger.KindProduct)
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if rec.SyncStatus != ledger.StatusSynced || rec.RemoteCode != "P-9001" {
		t.Errorf("mapping after run = %+v", rec)
	}

	// The cache learned the new remote code.
	if id, err := f.cache.Get("Widget"); err != nil || id != "P-9001" {
		t.Errorf("cache backfill = (%q, %v)", id, err)
	}

	// Second run with identical fields must not touch the backend.
	outcomes = f.runner.Run(context.Background(), []Item{item})
	if outcomes[0].Err != nil {
		t.Fatalf("second run: %v", outcomes[0].Err)
	}
	if outcomes[0].Decision != ledger.Skip {
		t.Errorf("second decision = %s, want skip", outcomes[0].Decision)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestRunner_ValidationFailureFilesRecoveryRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"code":"MISSING_UNIT","message":"unit is required"}`)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	item := testItem(srv.URL, 7, "Broken Widget", "x-1")

	outcomes := f.runner.Run(context.Background(), []Item{item})
	if !resilience.IsValidation(outcomes[0].Err) {
		t.Fatalf("outcome err = %v, want ValidationError", outcomes[0].Err)
	}

	// The mapping stays active and failed, ready for a later retry.
	rec, err := f.ledger.GetActiveMapping(context.Background(), 7, ledger.KindProduct)
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if rec.SyncStatus != ledger.StatusFailed {
		t.Errorf("mapping status = %s, want failed", rec.SyncStatus)
	}

	// A recovery record captured the request for operator inspection.
	failed, err := f.tracker.ListByFilter(context.Background(), recovery.Filter{Backend: "erp"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed records = %d, want 1", len(failed))
	}
	if failed[0].ErrorClass != "validation" || failed[0].Method != http.MethodPost {
		t.Errorf("failed record = %+v", failed[0])
	}
	if len(failed[0].Payload) == 0 {
		t.Error("payload not captured")
	}
}

func TestRunner_AuthErrorPausesBackend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	// Single worker makes ordering deterministic: the first auth
	// failure must shadow every later item on the same backend.
	f.runner.workers = 1

	items := make([]Item, 5)
	for i := range items {
		items[i] = testItem(srv.URL, int64(100+i), fmt.Sprintf("Item %d", i), "f")
	}

	outcomes := f.runner.Run(context.Background(), items)

	if !resilience.IsAuth(outcomes[0].Err) {
		t.Fatalf("first outcome = %v, want AuthError", outcomes[0].Err)
	}
	for i := 1; i < len(outcomes); i++ {
		if !errors.Is(outcomes[i].Err, ErrBackendPaused) {
			t.Errorf("outcome %d = %v, want ErrBackendPaused", i, outcomes[i].Err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1 (paused after first)", got)
	}

	// Auth failures do not pile up recovery records; there is nothing
	// an operator can fix per item.
	failed, err := f.tracker.ListByFilter(context.Background(), recovery.Filter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("failed records = %d, want 0", len(failed))
	}
}

func TestRunner_UnknownBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":1,"code":"X"}`)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	item := testItem(srv.URL, 1, "Orphan", "f")
	item.Backend = "nonexistent"

	outcomes := f.runner.Run(context.Background(), []Item{item})
	if outcomes[0].Err == nil {
		t.Fatal("expected error for unconfigured backend")
	}
}
