// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/session"
)

func newTestCaller(t *testing.T, url string, handlerName string) *Caller {
	t.Helper()
	cfg := config.BackendConfig{
		Name:          handlerName,
		URL:           url,
		SessionCookie: "SESSIONID",
		Timeout:       5 * time.Second,
	}
	sessions := session.NewManager(handlerName, func(ctx context.Context) (*session.Session, error) {
		return &session.Session{Token: "tok-testvalue", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, time.Minute)
	breaker := NewBreaker(handlerName, 5, time.Minute)
	retry := NewRetryPolicy(handlerName, 3, time.Millisecond)
	return NewCaller(cfg, sessions, breaker, retry)
}

func get(url string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	}
}

func TestCaller_InjectsSessionCookie(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("SESSIONID"); err == nil {
			gotCookie = c.Value
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := newTestCaller(t, srv.URL, "erp-cookie")
	resp, err := c.Do(context.Background(), get(srv.URL))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if gotCookie != "tok-testvalue" {
		t.Errorf("session cookie = %q", gotCookie)
	}
}

func TestCaller_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				if !errors.As(err, &ae) {
					t.Fatalf("err = %v, want AuthError", err)
				}
				if ae.StatusCode != http.StatusUnauthorized {
					t.Errorf("status = %d", ae.StatusCode)
				}
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				if !IsAuth(err) {
					t.Fatalf("err = %v, want AuthError", err)
				}
			},
		},
		{
			name:   "validation with envelope",
			status: http.StatusUnprocessableEntity,
			body:   `{"code":"MISSING_UNIT","message":"unit is required"}`,
			check: func(t *testing.T, err error) {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("err = %v, want ValidationError", err)
				}
				if ve.Code != "MISSING_UNIT" || ve.Message != "unit is required" {
					t.Errorf("envelope = %q / %q", ve.Code, ve.Message)
				}
			},
		},
		{
			name:   "validation with plain body",
			status: http.StatusBadRequest,
			body:   `malformed field list`,
			check: func(t *testing.T, err error) {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("err = %v, want ValidationError", err)
				}
				if ve.Message != "malformed field list" {
					t.Errorf("message = %q", ve.Message)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				if !IsTransient(err) {
					t.Fatalf("err = %v, want TransientError", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := newTestCaller(t, srv.URL, "erp-classify-"+tt.name)
			_, err := c.Do(context.Background(), get(srv.URL))
			if err == nil {
				t.Fatal("expected classified error")
			}
			tt.check(t, err)
		})
	}
}

func TestCaller_RateLimitedAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestCaller(t, srv.URL, "erp-ratelimit")
	_, err := c.Do(context.Background(), get(srv.URL))
	if !IsRateLimited(err) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
}

func TestCaller_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newTestCaller(t, srv.URL, "erp-neterr")
	_, err := c.Do(context.Background(), get(srv.URL))
	if !IsTransient(err) {
		t.Fatalf("err = %v, want TransientError", err)
	}
}

func TestErrorClassNames(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&AuthError{Backend: "erp", StatusCode: 401}, "auth"},
		{&RateLimitedError{Backend: "erp", Attempts: 3}, "rate_limited"},
		{&ValidationError{Backend: "erp", Message: "bad"}, "validation"},
		{&TransientError{Op: "erp", Err: errors.New("reset")}, "transient"},
		{&PersistenceError{Op: "insert", Err: errors.New("disk")}, "persistence"},
		{errors.New("mystery"), "unknown"},
	}
	for _, tt := range tests {
		if got := ClassName(tt.err); got != tt.want {
			t.Errorf("ClassName(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
