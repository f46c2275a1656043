package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type (
	// Config holds configuration settings for the engine, its store, the
	// worker pool, and the control API server
	Config struct {
		// API Server
		APIHost  string `toml:"api_host"`
		APIPort  int    `toml:"api_port"`
		LogLevel string `toml:"log_level"`

		// Store
		Store StoreConfig `toml:"store"`

		// Worker pool
		Worker WorkerConfig `toml:"worker"`

		// Activity retry & timeout defaults
		Activity ActivityConfig `toml:"activity"`

		ShutdownTimeout time.Duration `toml:"-"`
	}

	// StoreConfig selects and parameterizes the persistence backend
	StoreConfig struct {
		// Backend is one of "sqlite" or "postgres"
		Backend string `toml:"backend"`

		// Path is the database file for the sqlite backend
		Path string `toml:"path"`

		// DSN is the connection string for the postgres backend
		DSN string `toml:"dsn"`
	}

	// WorkerConfig parameterizes the task-claiming worker pool
	WorkerConfig struct {
		Count          int   `toml:"count"`
		PollIntervalMs int64 `toml:"poll_interval_ms"`

		// LeaseMs is how long a claimed task stays owned by its worker
		// before another worker may reclaim it
		LeaseMs int64 `toml:"lease_ms"`
	}

	// ActivityConfig carries defaults applied to activities that do not
	// declare their own retry or timeout policy
	ActivityConfig struct {
		DefaultRetryCount     int   `toml:"default_retry_count"`
		DefaultTimeoutSeconds int64 `toml:"default_timeout_seconds"`
		BackoffBaseMs         int64 `toml:"backoff_base_ms"`
		BackoffCapMs          int64 `toml:"backoff_cap_ms"`
	}
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultStorePath = "loom.db"

	DefaultWorkerCount    = 4
	DefaultPollIntervalMs = 500
	DefaultLeaseMs        = 60_000

	DefaultRetryCount     = 3
	DefaultTimeoutSeconds = 30
	DefaultBackoffBaseMs  = 1000
	DefaultBackoffCapMs   = 300_000

	DefaultShutdownTimeout = 10 * time.Second

	MaxWorkerCount    = 1024
	MaxPollIntervalMs = 60_000
	MaxLeaseMs        = 24 * 60 * 60 * 1000
	MaxRetryCount     = 1000
	MaxTimeoutSeconds = 24 * 60 * 60
	MaxBackoffMs      = 24 * 60 * 60 * 1000
)

var (
	ErrInvalidAPIPort      = errors.New("invalid API port")
	ErrInvalidBackend      = errors.New("invalid store backend")
	ErrStorePathEmpty      = errors.New("store path empty")
	ErrStoreDSNEmpty       = errors.New("store DSN empty")
	ErrInvalidWorkerCount  = errors.New("worker count must be positive")
	ErrInvalidPollInterval = errors.New("poll interval must be positive")
	ErrInvalidLease        = errors.New("task lease must be positive")
	ErrInvalidRetryCount   = errors.New("retry count cannot be negative")
	ErrInvalidTimeout      = errors.New("activity timeout must be positive")
	ErrInvalidBackoffBase  = errors.New("backoff base must be positive")
	ErrBackoffCapTooSmall  = errors.New("backoff cap must be >= backoff base")
)

// NewDefaultConfig creates a configuration with sensible defaults for the
// store, worker pool, and activity retry behavior
func NewDefaultConfig() *Config {
	return &Config{
		APIPort:  DefaultAPIPort,
		APIHost:  DefaultAPIHost,
		LogLevel: "info",
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    DefaultStorePath,
		},
		Worker: WorkerConfig{
			Count:          DefaultWorkerCount,
			PollIntervalMs: DefaultPollIntervalMs,
			LeaseMs:        DefaultLeaseMs,
		},
		Activity: ActivityConfig{
			DefaultRetryCount:     DefaultRetryCount,
			DefaultTimeoutSeconds: DefaultTimeoutSeconds,
			BackoffBaseMs:         DefaultBackoffBaseMs,
			BackoffCapMs:          DefaultBackoffCapMs,
		},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LoadFile merges settings from a TOML file into the config. A missing file
// is not an error so deployments can rely on defaults plus env
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to load config file %q: %w", path, err)
	}
	return nil
}

// LoadFromEnv populates configuration values from environment variables.
// Env always wins over file-provided values. Returns an error if any env
// var cannot be parsed
func (c *Config) LoadFromEnv() error {
	if host := os.Getenv("API_HOST"); host != "" {
		c.APIHost = host
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}
	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if path := os.Getenv("STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if dsn := os.Getenv("STORE_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt(
		"WORKER_COUNT", &c.Worker.Count, 0, MaxWorkerCount,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"WORKER_POLL_INTERVAL_MS", &c.Worker.PollIntervalMs, 0,
		MaxPollIntervalMs,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"WORKER_LEASE_MS", &c.Worker.LeaseMs, 0, MaxLeaseMs,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"ACTIVITY_RETRY_COUNT", &c.Activity.DefaultRetryCount, -1,
		MaxRetryCount,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"ACTIVITY_TIMEOUT_SECONDS", &c.Activity.DefaultTimeoutSeconds, 0,
		MaxTimeoutSeconds,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"ACTIVITY_BACKOFF_BASE_MS", &c.Activity.BackoffBaseMs, 0,
		MaxBackoffMs,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"ACTIVITY_BACKOFF_CAP_MS", &c.Activity.BackoffCapMs, 0, MaxBackoffMs,
	); err != nil {
		return err
	}

	return nil
}

// PollInterval returns the worker poll interval as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMs) * time.Millisecond
}

// Lease returns the task claim lease as a duration
func (c *Config) Lease() time.Duration {
	return time.Duration(c.Worker.LeaseMs) * time.Millisecond
}

// BackoffBase returns the activity retry backoff base as a duration
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Activity.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the activity retry backoff cap as a duration
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Activity.BackoffCapMs) * time.Millisecond
}

// ActivityTimeout returns the default activity timeout as a duration
func (c *Config) ActivityTimeout() time.Duration {
	return time.Duration(c.Activity.DefaultTimeoutSeconds) * time.Second
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			return ErrStorePathEmpty
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return ErrStoreDSNEmpty
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidBackend, c.Store.Backend)
	}

	if c.Worker.Count <= 0 {
		return ErrInvalidWorkerCount
	}
	if c.Worker.PollIntervalMs <= 0 {
		return ErrInvalidPollInterval
	}
	if c.Worker.LeaseMs <= 0 {
		return ErrInvalidLease
	}

	if c.Activity.DefaultRetryCount < 0 {
		return ErrInvalidRetryCount
	}
	if c.Activity.DefaultTimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	if c.Activity.BackoffBaseMs <= 0 {
		return ErrInvalidBackoffBase
	}
	if c.Activity.BackoffCapMs < c.Activity.BackoffBaseMs {
		return ErrBackoffCapTooSmall
	}

	return nil
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max). Returns an error if
// the value cannot be parsed or falls outside the valid range
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, tv, min+1, max)
	}
	*dst = tv
	return nil
}
