// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package resilience

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/syncbridge/syncbridge/internal/logging"
	"github.com/syncbridge/syncbridge/internal/metrics"
)

// RetryPolicy retries HTTP calls that hit a 429 response. Other status
// codes pass through untouched; classification happens in the Caller.
type RetryPolicy struct {
	Backend     string
	MaxAttempts int
	BaseDelay   time.Duration
}

// NewRetryPolicy creates a policy with sane floors on its parameters.
func NewRetryPolicy(backend string, maxAttempts int, baseDelay time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	return &RetryPolicy{Backend: backend, MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// Do executes the request, retrying on 429 up to MaxAttempts total
// attempts. build is called once per attempt so request bodies can be
// re-created after being consumed. The wait between attempts honors the
// Retry-After header when present, falling back to exponential backoff,
// and is cancellable through ctx.
//
// When all attempts are spent on 429s the last response body is closed
// and a RateLimitedError is returned.
func (p *RetryPolicy) Do(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var lastRetryAfter time.Duration

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		sanitizeRequest(req)

		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, &TransientError{Op: p.Backend + " request", Err: err}
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		delay := p.BaseDelay * time.Duration(1<<uint(attempt))
		if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			delay = ra
			lastRetryAfter = ra
		}
		resp.Body.Close()

		// No point waiting after the final attempt.
		if attempt == p.MaxAttempts-1 {
			break
		}

		metrics.RateLimitRetries.WithLabelValues(p.Backend).Inc()
		logging.Warn().
			Str("backend", p.Backend).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("rate limited, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	metrics.RateLimitExhausted.WithLabelValues(p.Backend).Inc()
	return nil, &RateLimitedError{
		Backend:    p.Backend,
		RetryAfter: lastRetryAfter,
		Attempts:   p.MaxAttempts,
	}
}

// parseRetryAfter understands both forms the header allows: a delay in
// whole seconds, or an HTTP-date. Dates already in the past report a
// zero delay, not a missing header.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// sanitizeRequest normalizes outgoing requests so retries and the
// original attempt look identical to the backend. The media type is
// lowercased with its parameters preserved, and empty query parameters
// are dropped since some backends reject bare keys.
func sanitizeRequest(req *http.Request) {
	if ct := req.Header.Get("Content-Type"); ct != "" {
		if mt, params, err := mime.ParseMediaType(ct); err == nil {
			req.Header.Set("Content-Type", mime.FormatMediaType(mt, params))
		}
	}

	q := req.URL.Query()
	changed := false
	for key, vals := range q {
		keep := vals[:0]
		for _, v := range vals {
			if v != "" {
				keep = append(keep, v)
			}
		}
		if len(keep) == 0 {
			q.Del(key)
			changed = true
		} else if len(keep) != len(vals) {
			q[key] = keep
			changed = true
		}
	}
	if changed {
		req.URL.RawQuery = q.Encode()
	}
}
