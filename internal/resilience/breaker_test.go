// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func failingCall() (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func okCall() (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("erp-test-open", 5, time.Minute)

	for i := 0; i < 5; i++ {
		if _, err := b.Execute(context.Background(), failingCall); errors.Is(err, ErrBreakerOpen) {
			t.Fatalf("breaker opened early at failure %d", i+1)
		}
	}
	if b.State() != "open" {
		t.Fatalf("state after 5 failures = %s, want open", b.State())
	}

	// Open circuit rejects without invoking the call.
	invoked := false
	_, err := b.Execute(context.Background(), func() (*http.Response, error) {
		invoked = true
		return okCall()
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
	if invoked {
		t.Error("call ran while circuit open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("erp-test-reset", 5, time.Minute)

	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), failingCall)
	}
	if _, err := b.Execute(context.Background(), okCall); err != nil {
		t.Fatalf("ok call: %v", err)
	}
	// Four more failures must not trip; the streak restarted at zero.
	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), failingCall)
	}
	if b.State() != "closed" {
		t.Errorf("state = %s, want closed after streak reset", b.State())
	}
}

func TestBreaker_HalfOpenTrialClosesCircuit(t *testing.T) {
	b := NewBreaker("erp-test-halfopen", 5, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), failingCall)
	}
	if b.State() != "open" {
		t.Fatalf("state = %s, want open", b.State())
	}

	time.Sleep(80 * time.Millisecond)

	// After the cooldown a single trial call is admitted; success closes.
	if _, err := b.Execute(context.Background(), okCall); err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	if b.State() != "closed" {
		t.Errorf("state after successful trial = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b := NewBreaker("erp-test-reopen", 5, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), failingCall)
	}
	time.Sleep(80 * time.Millisecond)

	b.Execute(context.Background(), failingCall)
	if b.State() != "open" {
		t.Errorf("state after failed trial = %s, want open again", b.State())
	}
}

func TestBreaker_CancelledCallsLeaveCountsUntouched(t *testing.T) {
	b := NewBreaker("erp-test-cancel", 5, time.Minute)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), failingCall)
	}

	// Cancelled calls bypass the breaker: the call never runs and the
	// failure streak is neither extended nor reset.
	invoked := false
	_, err := b.Execute(cancelled, func() (*http.Response, error) {
		invoked = true
		return okCall()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if invoked {
		t.Error("call ran despite cancelled context")
	}
	if b.State() != "closed" {
		t.Fatalf("state = %s, want still closed", b.State())
	}

	// One more real failure is the fifth of the streak; had the
	// cancelled call reset the counter this would stay closed.
	b.Execute(context.Background(), failingCall)
	if b.State() != "open" {
		t.Errorf("state = %s, want open after fifth real failure", b.State())
	}
}

func TestBreaker_CancelledHalfOpenTrialDoesNotClose(t *testing.T) {
	b := NewBreaker("erp-test-cancel-halfopen", 5, 50*time.Millisecond)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), failingCall)
	}
	time.Sleep(80 * time.Millisecond)

	if _, err := b.Execute(cancelled, okCall); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if b.State() == "closed" {
		t.Error("cancelled trial closed the circuit without backend contact")
	}

	// The trial slot is still available for a real call.
	if _, err := b.Execute(context.Background(), okCall); err != nil {
		t.Fatalf("real trial call: %v", err)
	}
	if b.State() != "closed" {
		t.Errorf("state = %s, want closed after successful real trial", b.State())
	}
}
