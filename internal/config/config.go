// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package config defines the Syncbridge configuration model and its
// Koanf-based layered loader (defaults, YAML file, environment).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the sync core.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Database   DatabaseConfig   `koanf:"database"`
	Cache      CacheConfig      `koanf:"cache"`
	Backends   []BackendConfig  `koanf:"backends" validate:"required,min=1,dive"`
	Resilience ResilienceConfig `koanf:"resilience"`
	Notifier   NotifierConfig   `koanf:"notifier"`
	Sync       SyncConfig       `koanf:"sync"`
}

// LoggingConfig controls the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig controls the DuckDB store holding mapping records,
// failed sync records, and the notification dead-letter table.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// CacheConfig controls the Badger-backed lookup cache.
type CacheConfig struct {
	Path string `koanf:"path" validate:"required"`

	// SlidingTTL re-arms on every read; AbsoluteTTL is the hard ceiling
	// measured from the write.
	SlidingTTL  time.Duration `koanf:"sliding_ttl"`
	AbsoluteTTL time.Duration `koanf:"absolute_ttl"`
}

// BackendConfig describes one of the two external systems.
type BackendConfig struct {
	Name     string `koanf:"name" validate:"required"`
	URL      string `koanf:"url" validate:"required,url"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`

	// LoginPath is the form-login endpoint relative to URL.
	LoginPath string `koanf:"login_path"`

	// SessionCookie is the name of the session cookie the backend issues.
	SessionCookie string `koanf:"session_cookie"`

	// SessionTTL is the fixed lifetime of a login session. RefreshBuffer
	// is subtracted from the expiry when deciding whether to refresh, so
	// a session is never handed out moments before it dies mid-request.
	SessionTTL    time.Duration `koanf:"session_ttl"`
	RefreshBuffer time.Duration `koanf:"refresh_buffer"`

	Timeout time.Duration `koanf:"timeout"`

	// RequestsPerSecond paces outbound calls. 0 disables pacing.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// ResilienceConfig controls the rate-limit retry wrapper and the
// per-backend circuit breakers.
type ResilienceConfig struct {
	MaxAttempts       int           `koanf:"max_attempts" validate:"min=1"`
	DefaultRetryDelay time.Duration `koanf:"default_retry_delay"`
	BreakerThreshold  uint32        `koanf:"breaker_threshold"`
	BreakerCooldown   time.Duration `koanf:"breaker_cooldown"`
}

// NotifierConfig controls the best-effort mapping-change notifier.
type NotifierConfig struct {
	Enabled     bool          `koanf:"enabled"`
	NATSURL     string        `koanf:"nats_url"`
	Topic       string        `koanf:"topic"`
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1"`
	BaseDelay   time.Duration `koanf:"base_delay"`

	// LinkBase prefixes the admin link embedded in each envelope.
	LinkBase string `koanf:"link_base"`
}

// SyncConfig controls batch processing.
type SyncConfig struct {
	// BatchWorkers bounds parallelism across a batch so the two remote
	// systems' rate limits are respected.
	BatchWorkers int           `koanf:"batch_workers" validate:"min=1"`
	RetryBase    time.Duration `koanf:"retry_base"`
	RetryCap     time.Duration `koanf:"retry_cap"`
}

// defaultConfig returns a Config with all defaults applied. These are
// overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Database: DatabaseConfig{
			Path:      "/data/syncbridge.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		Cache: CacheConfig{
			Path:        "/data/lookup-cache",
			SlidingTTL:  30 * time.Minute,
			AbsoluteTTL: 6 * time.Hour,
		},
		Backends: nil, // must come from file or env
		Resilience: ResilienceConfig{
			MaxAttempts:       3,
			DefaultRetryDelay: 5 * time.Second,
			BreakerThreshold:  5,
			BreakerCooldown:   2 * time.Minute,
		},
		Notifier: NotifierConfig{
			Enabled:     false,
			NATSURL:     "nats://127.0.0.1:4222",
			Topic:       "mapping.changes",
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			LinkBase:    "",
		},
		Sync: SyncConfig{
			BatchWorkers: 4,
			RetryBase:    30 * time.Second,
			RetryCap:     4 * time.Hour,
		},
	}
}

// Validate checks structural constraints plus cross-field rules the
// validator tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if seen[b.Name] {
			return fmt.Errorf("config validation: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true

		if b.SessionTTL <= 0 {
			b.SessionTTL = 20 * time.Minute
		}
		if b.RefreshBuffer <= 0 {
			b.RefreshBuffer = 2 * time.Minute
		}
		if b.RefreshBuffer >= b.SessionTTL {
			return fmt.Errorf("config validation: backend %q refresh_buffer must be shorter than session_ttl", b.Name)
		}
		if b.Timeout <= 0 {
			b.Timeout = 30 * time.Second
		}
		if b.SessionCookie == "" {
			b.SessionCookie = "SESSIONID"
		}
		if b.LoginPath == "" {
			b.LoginPath = "/login"
		}
	}

	if c.Cache.SlidingTTL > c.Cache.AbsoluteTTL {
		return fmt.Errorf("config validation: cache sliding_ttl exceeds absolute_ttl")
	}

	return nil
}

// Backend returns the configuration for a named backend.
func (c *Config) Backend(name string) (*BackendConfig, error) {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i], nil
		}
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}
