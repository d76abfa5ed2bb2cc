// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func buildGet(url string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	}
}

func TestRetryPolicy_SucceedsAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewRetryPolicy("erp", 3, 10*time.Millisecond)
	start := time.Now()
	resp, err := p.Do(context.Background(), srv.Client(), buildGet(srv.URL))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if got := calls.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	// The Retry-After header must override the much smaller base delay.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("elapsed %s, want at least the 1s Retry-After", elapsed)
	}
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewRetryPolicy("erp", 3, time.Millisecond)
	_, err := p.Do(context.Background(), srv.Client(), buildGet(srv.URL))

	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rle.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rle.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("requests = %d, want exactly 3", got)
	}
}

func TestRetryPolicy_NonRateLimitPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewRetryPolicy("erp", 3, time.Millisecond)
	resp, err := p.Do(context.Background(), srv.Client(), buildGet(srv.URL))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 passed through untouched", resp.StatusCode)
	}
}

func TestRetryPolicy_ContextCancelsWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := NewRetryPolicy("erp", 3, time.Millisecond)
	start := time.Now()
	_, err := p.Do(ctx, srv.Client(), buildGet(srv.URL))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the backoff wait")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
		ok    bool
	}{
		{"empty", "", 0, false},
		{"seconds", "5", 5 * time.Second, true},
		{"seconds with space", " 10 ", 10 * time.Second, true},
		{"negative seconds", "-3", 0, false},
		{"garbage", "soon", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRetryAfter(tt.value)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseRetryAfter(%q) = (%s, %v), want (%s, %v)", tt.value, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got, ok := parseRetryAfter(future)
	if !ok {
		t.Fatal("HTTP-date not recognized")
	}
	if got < 85*time.Second || got > 90*time.Second {
		t.Errorf("delay = %s, want about 90s", got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	got, ok = parseRetryAfter(past)
	if !ok || got != 0 {
		t.Errorf("past date = (%s, %v), want (0, true)", got, ok)
	}
}

func TestSanitizeRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://erp.local/api?keep=1&empty=&also=x", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "Application/JSON")

	sanitizeRequest(req)

	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}
	q := req.URL.Query()
	if q.Get("keep") != "1" || q.Get("also") != "x" {
		t.Errorf("kept params lost: %q", req.URL.RawQuery)
	}
	if _, present := q["empty"]; present {
		t.Errorf("empty param survived: %q", req.URL.RawQuery)
	}
}
