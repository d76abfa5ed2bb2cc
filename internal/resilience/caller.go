// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/syncbridge/syncbridge/internal/config"
	"github.com/syncbridge/syncbridge/internal/session"
)

// Caller is the full outbound pipeline for one backend: client-side
// rate limiting, session injection, circuit breaking, 429 retry, and
// error classification. One Caller per backend; the breaker instance is
// injected so tests and status endpoints can share it.
type Caller struct {
	backend    string
	client     *http.Client
	limiter    *rate.Limiter
	sessions   *session.Manager
	breaker    *Breaker
	retry      *RetryPolicy
	cookieName string
}

// NewCaller wires a Caller from its parts. A zero RequestsPerSecond in
// cfg disables client-side throttling.
func NewCaller(cfg config.BackendConfig, sessions *session.Manager, breaker *Breaker, retry *RetryPolicy) *Caller {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Caller{
		backend:    cfg.Name,
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		sessions:   sessions,
		breaker:    breaker,
		retry:      retry,
		cookieName: cfg.SessionCookie,
	}
}

// Backend returns the backend name this caller serves.
func (c *Caller) Backend() string { return c.backend }

// remoteError is the error envelope backends return on 4xx responses.
type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Do runs one request through the pipeline. build is invoked once per
// attempt. Success (2xx) returns the response with its body open; the
// caller owns closing it. Everything else comes back as one of the
// taxonomy errors, with the body already closed.
func (c *Caller) Do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	sess, err := c.sessions.GetActiveSession(ctx)
	if err != nil {
		return nil, &AuthError{Backend: c.backend, StatusCode: 0}
	}

	resp, err := c.breaker.Execute(ctx, func() (*http.Response, error) {
		resp, err := c.retry.Do(ctx, c.client, func() (*http.Request, error) {
			req, err := build()
			if err != nil {
				return nil, err
			}
			req.AddCookie(&http.Cookie{Name: c.cookieName, Value: sess.Token})
			return req, nil
		})
		if err != nil {
			return nil, err
		}
		// 5xx counts against the breaker's failure budget; the response
		// is still handed through so classify can read it.
		if resp.StatusCode >= 500 {
			return resp, fmt.Errorf("%s returned status %d", c.backend, resp.StatusCode)
		}
		return resp, nil
	})

	return c.classify(resp, err)
}

// classify turns raw pipeline results into taxonomy errors.
func (c *Caller) classify(resp *http.Response, err error) (*http.Response, error) {
	if err != nil {
		if resp != nil {
			drainAndClose(resp)
		}
		switch {
		case errors.Is(err, ErrBreakerOpen), IsRateLimited(err), IsTransient(err):
			return nil, err
		default:
			return nil, &TransientError{Op: c.backend, Err: err}
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drainAndClose(resp)
		// The cached session is dead; the next caller triggers a fresh
		// login instead of replaying the same rejected token.
		c.sessions.ClearSession()
		return nil, &AuthError{Backend: c.backend, StatusCode: resp.StatusCode}

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		var re remoteError
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		if jerr := json.Unmarshal(body, &re); jerr != nil || re.Message == "" {
			re.Message = string(body)
		}
		return nil, &ValidationError{
			Backend:    c.backend,
			StatusCode: resp.StatusCode,
			Code:       re.Code,
			Message:    re.Message,
		}

	case resp.StatusCode >= 400:
		drainAndClose(resp)
		return nil, &TransientError{Op: c.backend, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	return resp, nil
}

func drainAndClose(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
