// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package main is the entry point for the Syncbridge daemon.
//
// Syncbridge keeps entities from a local business system in step with a
// remote counterpart: products, suppliers, customers, locations, and
// orders. It tracks which entities already exist remotely in a
// versioned mapping ledger, pushes the ones that drifted, and keeps a
// recovery queue of everything that could not be synced.
//
// # Startup Order
//
//  1. Configuration: Koanf v2 layers (defaults, config.yaml, SYNCBRIDGE_ env)
//  2. Logging: zerolog, level and format from config
//  3. DuckDB: mapping ledger, failed records, dead letters
//  4. BadgerDB: lookup cache
//  5. Per-backend wiring: session manager, circuit breaker, rate limiter
//  6. NATS publisher (optional): mapping change notifications
//  7. Retry loop: periodic pass over retryable failed records
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger a graceful shutdown: the retry loop stops,
// then the publisher, cache, and database close in that order.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncbridge/syncbridge/internal/cache"
	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/database"
	"github.com/syncbridge/syncbridge/internal/ledger"
	"github.com/syncbridge/syncbridge/internal/logging"
	"github.com/syncbridge/syncbridge/internal/notify"
	"github.com/syncbridge/syncbridge/internal/recovery"
	"github.com/syncbridge/syncbridge/internal/resilience"
	"github.com/syncbridge/syncbridge/internal/runner"
	"github.com/syncbridge/syncbridge/internal/session"
)

func main() {
	batchFile := flag.String("batch", "", "run one batch file and exit instead of daemonizing")
	flag.Parse()

	if err := run(*batchFile); err != nil {
		fmt.Fprintf(os.Stderr, "syncbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(batchFile string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Int("backends", len(cfg.Backends)).Msg("syncbridge starting")

	db, err := database.New(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	lookups, err := cache.Open(cfg.Cache.Path, cfg.Cache.SlidingTTL, cfg.Cache.AbsoluteTTL)
	if err != nil {
		return err
	}
	defer lookups.Close()

	mappings := ledger.New(db)
	tracker := recovery.NewTracker(db, cfg.Sync.RetryBase, cfg.Sync.RetryCap)

	callers := make(map[string]*resilience.Caller, len(cfg.Backends))
	for _, backend := range cfg.Backends {
		sessions := session.NewManager(backend.Name,
			session.CookieLogin(backend, nil), backend.RefreshBuffer)
		breaker := resilience.NewBreaker(backend.Name,
			cfg.Resilience.BreakerThreshold, cfg.Resilience.BreakerCooldown)
		retry := resilience.NewRetryPolicy(backend.Name,
			cfg.Resilience.MaxAttempts, cfg.Resilience.DefaultRetryDelay)
		callers[backend.Name] = resilience.NewCaller(backend, sessions, breaker, retry)
	}

	var notifier *notify.Notifier
	if cfg.Notifier.Enabled {
		publisher, err := notify.NewNATSPublisher(cfg.Notifier.NATSURL)
		if err != nil {
			return err
		}
		notifier = notify.NewNotifier(publisher, db, cfg.Notifier.Topic,
			cfg.Notifier.MaxAttempts, cfg.Notifier.BaseDelay, cfg.Notifier.LinkBase)
		defer notifier.Close()
	}

	batches := runner.New(mappings, callers, lookups, tracker, notifier, cfg.Sync.BatchWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if batchFile != "" {
		items, err := loadBatch(batchFile, cfg)
		if err != nil {
			return err
		}
		outcomes := batches.Run(ctx, items)
		synced, skipped, failed := summarize(outcomes)
		logging.Info().
			Int("synced", synced).
			Int("skipped", skipped).
			Int("failed", failed).
			Msg("batch complete")
		if failed > 0 {
			return fmt.Errorf("batch finished with %d failed items", failed)
		}
		return nil
	}

	go retryLoop(ctx, tracker, callers)

	logging.Info().Msg("syncbridge ready")
	<-ctx.Done()
	logging.Info().Msg("shutting down")
	return nil
}

// retryLoop periodically resends retryable failed records. Each record
// is replayed as a raw request against its backend; success resolves
// the record, failure reschedules it further out.
func retryLoop(ctx context.Context, tracker *recovery.Tracker, callers map[string]*resilience.Caller) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		records, err := tracker.GetRetryable(ctx, time.Now().UTC())
		if err != nil {
			logging.Error().Err(err).Msg("list retryable records")
			continue
		}

		for _, rec := range records {
			caller, ok := callers[rec.Backend]
			if !ok {
				continue
			}
			if _, err := tracker.ScheduleRetry(ctx, rec.ID); err != nil {
				logging.Warn().Err(err).Int64("record_id", rec.ID).Msg("schedule retry")
				continue
			}

			err := replay(ctx, caller, rec)
			if _, oerr := tracker.RecordRetryOutcome(ctx, rec.ID, err == nil, errMessage(err)); oerr != nil {
				logging.Error().Err(oerr).Int64("record_id", rec.ID).Msg("record retry outcome")
			}
		}
	}
}

func replay(ctx context.Context, caller *resilience.Caller, rec *recovery.FailedSyncRecord) error {
	resp, err := caller.Do(ctx, func() (*http.Request, error) {
		return recovery.BuildReplayRequest(rec)
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
