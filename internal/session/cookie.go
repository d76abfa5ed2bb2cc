// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/syncbridge/syncbridge/internal/config"
)

// CookieLogin builds a LoginFunc that posts credentials as a form to
// the backend's login path and lifts the session cookie from the
// response. The session's expiry is TTL from login time; cookie
// Max-Age, when shorter, wins.
func CookieLogin(cfg config.BackendConfig, client *http.Client) LoginFunc {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	loginURL := strings.TrimRight(cfg.URL, "/") + cfg.LoginPath

	return func(ctx context.Context) (*Session, error) {
		form := url.Values{
			"username": {cfg.Username},
			"password": {cfg.Password},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("build login request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("login request: %w", err)
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("login returned status %d", resp.StatusCode)
		}

		for _, c := range resp.Cookies() {
			if c.Name != cfg.SessionCookie || c.Value == "" {
				continue
			}
			now := time.Now()
			expires := now.Add(cfg.SessionTTL)
			if c.MaxAge > 0 {
				if byCookie := now.Add(time.Duration(c.MaxAge) * time.Second); byCookie.Before(expires) {
					expires = byCookie
				}
			}
			return &Session{Token: c.Value, CreatedAt: now.UTC(), ExpiresAt: expires}, nil
		}
		return nil, fmt.Errorf("login response missing %s cookie", cfg.SessionCookie)
	}
}
