// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package runner executes sync batches: it reconciles each item against
// the mapping ledger, drives the needed remote calls through the
// resilience layer, and routes failures to the recovery tracker.
package runner

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/syncbridge/syncbridge/internal/cache"
	"github.com/syncbridge/syncbridge/internal/ledger"
	"github.com/syncbridge/syncbridge/internal/logging"
	"github.com/syncbridge/syncbridge/internal/notify"
	"github.com/syncbridge/syncbridge/internal/recovery"
	"github.com/syncbridge/syncbridge/internal/resilience"
)

// Item is one entity to synchronize. BuildRequest produces the remote
// call for the staged decision and returns the payload alongside, so
// failures can be stored for later inspection. ParseResponse lifts the
// identifiers the backend assigned out of a 2xx response and closes its
// body.
type Item struct {
	LocalID     int64
	Kind        ledger.EntityKind
	DisplayName string
	HashFields  []string
	Backend     string

	BuildRequest  func(ctx context.Context, decision ledger.Decision, rec *ledger.MappingRecord) (*http.Request, []byte, error)
	ParseResponse func(resp *http.Response) (remoteNumericID *int64, remoteCode string, err error)
}

// Outcome is the per-item result of a batch run.
type Outcome struct {
	LocalID   int64
	Kind      ledger.EntityKind
	Backend   string
	Decision  ledger.Decision
	MappingID int64
	Err       error
}

// ErrBackendPaused is reported for items whose backend was paused after
// an authentication failure earlier in the batch.
var ErrBackendPaused = fmt.Errorf("backend paused after authentication failure")

// Runner drives batches with a bounded worker pool. One failing item
// never aborts the batch; every item gets its own outcome.
type Runner struct {
	ledger   *ledger.Ledger
	callers  map[string]*resilience.Caller
	cache    *cache.Store
	tracker  *recovery.Tracker
	notifier *notify.Notifier
	workers  int

	pauseMu sync.Mutex
	paused  map[string]bool
}

// New creates a Runner. workers bounds how many items sync at once.
func New(l *ledger.Ledger, callers map[string]*resilience.Caller, c *cache.Store, tracker *recovery.Tracker, notifier *notify.Notifier, workers int) *Runner {
	if workers < 1 {
		workers = 4
	}
	return &Runner{
		ledger:   l,
		callers:  callers,
		cache:    c,
		tracker:  tracker,
		notifier: notifier,
		workers:  workers,
		paused:   make(map[string]bool),
	}
}

// Run processes the batch and returns one outcome per item, in input
// order. Pause state is per run: a backend paused by an auth failure
// stays paused for the rest of this batch only.
func (r *Runner) Run(ctx context.Context, items []Item) []Outcome {
	r.pauseMu.Lock()
	r.paused = make(map[string]bool)
	r.pauseMu.Unlock()

	outcomes := make([]Outcome, len(items))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = r.process(ctx, items[i])
			}
		}()
	}

	for i := range items {
		select {
		case jobs <- i:
		case <-ctx.Done():
			outcomes[i] = Outcome{
				LocalID: items[i].LocalID,
				Kind:    items[i].Kind,
				Backend: items[i].Backend,
				Err:     ctx.Err(),
			}
		}
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

func (r *Runner) process(ctx context.Context, item Item) Outcome {
	out := Outcome{LocalID: item.LocalID, Kind: item.Kind, Backend: item.Backend}

	if r.isPaused(item.Backend) {
		out.Err = ErrBackendPaused
		return out
	}

	decision, rec, err := r.ledger.Reconcile(ctx, item.LocalID, item.Kind, item.DisplayName, item.HashFields...)
	if err != nil {
		out.Err = &resilience.PersistenceError{Op: "reconcile", Err: err}
		return out
	}
	out.Decision = decision
	out.MappingID = rec.ID

	if decision == ledger.Skip {
		return out
	}

	caller, ok := r.callers[item.Backend]
	if !ok {
		out.Err = fmt.Errorf("no caller configured for backend %q", item.Backend)
		return out
	}

	var payload []byte
	var method, reqURL string
	resp, err := caller.Do(ctx, func() (*http.Request, error) {
		req, p, err := item.BuildRequest(ctx, decision, rec)
		if err != nil {
			return nil, err
		}
		payload = p
		method = req.Method
		reqURL = req.URL.String()
		return req, nil
	})
	if err != nil {
		r.handleFailure(ctx, item, rec, method, reqURL, payload, err)
		out.Err = err
		return out
	}

	remoteNumericID, remoteCode, err := item.ParseResponse(resp)
	if err != nil {
		err = &resilience.TransientError{Op: item.Backend + " response", Err: err}
		r.handleFailure(ctx, item, rec, method, reqURL, payload, err)
		out.Err = err
		return out
	}

	if _, err := r.ledger.RecordOutcome(ctx, rec.ID, true, remoteNumericID, remoteCode, ""); err != nil {
		out.Err = &resilience.PersistenceError{Op: "record outcome", Err: err}
		return out
	}

	// Backfill the lookup cache and announce the change. Neither may
	// fail the item; the remote side already succeeded.
	if remoteCode != "" {
		if cerr := r.cache.Set(item.DisplayName, remoteCode); cerr != nil {
			logging.Warn().Err(cerr).Str("backend", item.Backend).Msg("cache backfill failed")
		}
	}
	if r.notifier != nil {
		eventType := notify.EventMappingResynced
		if decision == ledger.NeedsCreate {
			eventType = notify.EventMappingCreated
		}
		event := r.notifier.NewEvent(eventType, string(item.Kind), item.LocalID, remoteCode, item.Backend)
		if nerr := r.notifier.Publish(ctx, event); nerr != nil {
			logging.Warn().Err(nerr).Str("event_id", event.ID).Msg("notification failed past dead-letter")
		}
	}

	return out
}

// handleFailure records the outcome on the mapping and, for errors that
// need operator attention, files a recovery record. Auth errors pause
// the backend for the remainder of the batch instead, since every
// further item would fail the same way.
func (r *Runner) handleFailure(ctx context.Context, item Item, rec *ledger.MappingRecord, method, reqURL string, payload []byte, callErr error) {
	if _, err := r.ledger.RecordOutcome(ctx, rec.ID, false, nil, "", callErr.Error()); err != nil {
		logging.Error().Err(err).Int64("mapping_id", rec.ID).Msg("failed to record sync outcome")
	}

	if resilience.IsAuth(callErr) {
		r.pause(item.Backend)
		logging.Error().
			Str("backend", item.Backend).
			Msg("backend paused for remainder of batch after authentication failure")
		return
	}

	failed := &recovery.FailedSyncRecord{
		MappingID:    rec.ID,
		EntityKind:   string(item.Kind),
		LocalID:      item.LocalID,
		Backend:      item.Backend,
		Method:       method,
		URL:          reqURL,
		Payload:      payload,
		ErrorClass:   resilience.ClassName(callErr),
		ErrorMessage: callErr.Error(),
	}
	if err := r.tracker.RecordFailure(ctx, failed); err != nil {
		logging.Error().Err(err).Int64("local_id", item.LocalID).Msg("failed to file recovery record")
	}

	if r.notifier != nil {
		event := r.notifier.NewEvent(notify.EventMappingFailed, string(item.Kind), item.LocalID, rec.RemoteCode, item.Backend)
		if nerr := r.notifier.Publish(ctx, event); nerr != nil {
			logging.Warn().Err(nerr).Str("event_id", event.ID).Msg("notification failed past dead-letter")
		}
	}
}

func (r *Runner) isPaused(backend string) bool {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	return r.paused[backend]
}

func (r *Runner) pause(backend string) {
	r.pauseMu.Lock()
	r.paused[backend] = true
	r.pauseMu.Unlock()
}
