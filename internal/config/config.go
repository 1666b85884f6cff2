package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/atlas/internal/tier"
)

// Config represents the global ~/.atlas/config.toml. Every field can be
// overridden by an ATLAS_* environment variable.
type Config struct {
	DefaultProfile string `toml:"default_profile" env:"ATLAS_PROFILE"`

	Remote    Remote    `toml:"remote" envPrefix:"ATLAS_REMOTE_"`
	Sync      Sync      `toml:"sync" envPrefix:"ATLAS_SYNC_"`
	Quota     Quota     `toml:"quota" envPrefix:"ATLAS_QUOTA_"`
	Identity  Identity  `toml:"identity" envPrefix:"ATLAS_IDENTITY_"`
	Telemetry Telemetry `toml:"telemetry" envPrefix:"ATLAS_TELEMETRY_"`
	Log       Log       `toml:"log" envPrefix:"ATLAS_LOG_"`
}

// Remote configures the authoritative store.
type Remote struct {
	DSN        string        `toml:"dsn" env:"DSN"`
	OpTimeout  time.Duration `toml:"op_timeout" env:"OP_TIMEOUT"`
	MaxRetries int           `toml:"max_retries" env:"MAX_RETRIES"`
	// Migrate applies the remote schema on startup. Off for shared backends
	// whose schema is managed elsewhere.
	Migrate bool `toml:"migrate" env:"MIGRATE"`
}

// Sync tunes the reconciliation engine and the live listener.
type Sync struct {
	PageSize           int           `toml:"page_size" env:"PAGE_SIZE"`
	Interval           time.Duration `toml:"interval" env:"INTERVAL"`
	Overlap            time.Duration `toml:"overlap" env:"OVERLAP"`
	DebounceWindow     time.Duration `toml:"debounce_window" env:"DEBOUNCE_WINDOW"`
	TombstoneRetention time.Duration `toml:"tombstone_retention" env:"TOMBSTONE_RETENTION"`
	ReconnectMin       time.Duration `toml:"reconnect_min" env:"RECONNECT_MIN"`
	ReconnectMax       time.Duration `toml:"reconnect_max" env:"RECONNECT_MAX"`
	OutboxInterval     time.Duration `toml:"outbox_interval" env:"OUTBOX_INTERVAL"`
}

// Quota configures the tier gate.
type Quota struct {
	FreeDailyLimit int           `toml:"free_daily_limit" env:"FREE_DAILY_LIMIT"`
	TierCacheTTL   time.Duration `toml:"tier_cache_ttl" env:"TIER_CACHE_TTL"`
}

// Identity selects the principal. An access token wins over a static owner.
type Identity struct {
	AccessToken string `toml:"access_token" env:"ACCESS_TOKEN"`
	JWTSecret   string `toml:"jwt_secret" env:"JWT_SECRET"`
	OwnerID     string `toml:"owner_id" env:"OWNER_ID"`
	Tier        string `toml:"tier" env:"TIER"`
}

// Telemetry configures the metrics endpoint and tracing export.
type Telemetry struct {
	MetricsAddr  string `toml:"metrics_addr" env:"METRICS_ADDR"`
	OTLPEndpoint string `toml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `toml:"service_name" env:"SERVICE_NAME"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level" env:"LEVEL"`
}

// Default returns a config with every value set.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Remote: Remote{
			OpTimeout:  5 * time.Second,
			MaxRetries: 3,
			Migrate:    true,
		},
		Sync: Sync{
			PageSize:           50,
			Interval:           5 * time.Minute,
			Overlap:            time.Second,
			DebounceWindow:     250 * time.Millisecond,
			TombstoneRetention: 30 * 24 * time.Hour,
			ReconnectMin:       time.Second,
			ReconnectMax:       time.Minute,
			OutboxInterval:     500 * time.Millisecond,
		},
		Quota: Quota{
			FreeDailyLimit: 20,
			TierCacheTTL:   15 * time.Minute,
		},
		Identity: Identity{Tier: string(tier.Free)},
		Telemetry: Telemetry{
			MetricsAddr: "127.0.0.1:9464",
			ServiceName: "atlasd",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective config: defaults, then the file at path if
// it exists, then environment overrides. The result is validated.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.Remote.DSN = strings.TrimSpace(cfg.Remote.DSN)
	cfg.Identity.OwnerID = strings.TrimSpace(cfg.Identity.OwnerID)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Remote.OpTimeout > 0, "remote.op_timeout must be positive")
	check(c.Remote.MaxRetries >= 0, "remote.max_retries must not be negative")
	check(c.Sync.PageSize > 0 && c.Sync.PageSize <= 1000, "sync.page_size must be in 1..1000, got %d", c.Sync.PageSize)
	check(c.Sync.Interval > 0, "sync.interval must be positive")
	check(c.Sync.Overlap >= 0, "sync.overlap must not be negative")
	check(c.Sync.DebounceWindow > 0, "sync.debounce_window must be positive")
	check(c.Sync.TombstoneRetention > 0, "sync.tombstone_retention must be positive")
	check(c.Sync.ReconnectMin > 0 && c.Sync.ReconnectMin <= c.Sync.ReconnectMax,
		"sync.reconnect_min must be positive and at most reconnect_max")
	check(c.Sync.OutboxInterval > 0, "sync.outbox_interval must be positive")
	check(c.Quota.FreeDailyLimit > 0, "quota.free_daily_limit must be positive")
	check(c.Quota.TierCacheTTL >= 0, "quota.tier_cache_ttl must not be negative")
	if _, err := tier.Parse(c.Identity.Tier); err != nil {
		errs = append(errs, fmt.Errorf("identity.tier: %w", err))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
