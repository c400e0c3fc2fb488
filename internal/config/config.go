// Package config loads keypool configuration from a YAML file with
// environment variable overrides. The credential values themselves are
// never stored in the YAML file; they arrive through the environment
// (KEYPOOL_API_KEYS) or a separate key file referenced by the config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultDailyLimit is the per-key request quota per calendar day.
	DefaultDailyLimit = 250

	// DefaultMaxConcurrency caps in-flight calls across all keys.
	DefaultMaxConcurrency = 3

	// DefaultSleepSeconds is the mandatory pause after every call.
	DefaultSleepSeconds = 30

	// DefaultWarningThreshold marks a key "near limit" at 80% of quota.
	DefaultWarningThreshold = 0.8

	DefaultMaxRetries         = 3
	DefaultRetryDelaySeconds  = 30
	DefaultRetryBufferSeconds = 5
)

// Config holds all pool coordination settings.
type Config struct {
	// DataDir is the base directory for usage records, lock files and
	// the history archive. Defaults to ~/.keypool.
	DataDir string `yaml:"data_dir"`

	// KeyFile optionally points at a file with one API key per line.
	KeyFile string `yaml:"key_file"`

	// Keys is the ordered credential pool. Populated from KeyFile or
	// the KEYPOOL_API_KEYS environment variable, never from YAML.
	Keys []string `yaml:"-"`

	DailyLimit       int     `yaml:"daily_limit"`
	MaxConcurrency   int     `yaml:"max_concurrency"`
	SleepSeconds     int     `yaml:"sleep_seconds"`
	WarningThreshold float64 `yaml:"warning_threshold"`

	MaxRetries         int `yaml:"max_retries"`
	RetryDelaySeconds  int `yaml:"retry_delay_seconds"`
	RetryBufferSeconds int `yaml:"retry_buffer_seconds"`

	// LockBackend selects the cross-process lock implementation:
	// "file" (default) or "redis".
	LockBackend string `yaml:"lock_backend"`
	RedisURL    string `yaml:"redis_url"`

	// LockTimeoutSeconds optionally bounds how long an execution
	// waits for a key's cross-process lock. 0 (the default) waits
	// until the lock is free or the caller's context is done; a
	// queued-up waiter behind slow holders is normal operation, not
	// a failure.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`
}

// Default returns a Config with every field at its default value.
func Default() Config {
	return Config{
		DataDir:            defaultDataDir(),
		DailyLimit:         DefaultDailyLimit,
		MaxConcurrency:     DefaultMaxConcurrency,
		SleepSeconds:       DefaultSleepSeconds,
		WarningThreshold:   DefaultWarningThreshold,
		MaxRetries:         DefaultMaxRetries,
		RetryDelaySeconds:  DefaultRetryDelaySeconds,
		RetryBufferSeconds: DefaultRetryBufferSeconds,
		LockBackend:        "file",
	}
}

// Load reads the config file at path, applies environment overrides,
// and normalizes the result. A missing file is not an error: defaults
// plus environment overrides are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if len(cfg.Keys) == 0 && cfg.KeyFile != "" {
		keys, err := readKeyFile(cfg.KeyFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Keys = keys
	}

	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays KEYPOOL_* environment variables onto cfg.
func (c *Config) applyEnv() {
	if v := os.Getenv("KEYPOOL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KEYPOOL_API_KEYS"); v != "" {
		c.Keys = splitKeys(v)
	}
	if v := os.Getenv("KEYPOOL_REDIS_URL"); v != "" {
		c.RedisURL = v
		c.LockBackend = "redis"
	}
	if v := os.Getenv("KEYPOOL_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DailyLimit = n
		}
	}
	if v := os.Getenv("KEYPOOL_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrency = n
		}
	}
	if v := os.Getenv("KEYPOOL_SLEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SleepSeconds = n
		}
	}
}

// Normalize fills zero values with defaults and validates ranges.
func (c *Config) Normalize() error {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.DailyLimit <= 0 {
		c.DailyLimit = DefaultDailyLimit
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.SleepSeconds <= 0 {
		c.SleepSeconds = DefaultSleepSeconds
	}
	if c.WarningThreshold == 0 {
		c.WarningThreshold = DefaultWarningThreshold
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		return fmt.Errorf("warning_threshold must be in (0,1], got %v", c.WarningThreshold)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelaySeconds <= 0 {
		c.RetryDelaySeconds = DefaultRetryDelaySeconds
	}
	if c.RetryBufferSeconds < 0 {
		c.RetryBufferSeconds = DefaultRetryBufferSeconds
	}
	if c.LockTimeoutSeconds < 0 {
		c.LockTimeoutSeconds = 0
	}
	switch c.LockBackend {
	case "", "file":
		c.LockBackend = "file"
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("lock_backend is redis but redis_url is empty")
		}
	default:
		return fmt.Errorf("unknown lock_backend %q (want file or redis)", c.LockBackend)
	}
	return nil
}

// UsageDir is where per-key usage records live.
func (c *Config) UsageDir() string {
	return filepath.Join(c.DataDir, "usage")
}

// LockDir is where lock files and the sequencer stamp live.
func (c *Config) LockDir() string {
	return filepath.Join(c.DataDir, "locks")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keypool"
	}
	return filepath.Join(home, ".keypool")
}

func readKeyFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key file %s contains no keys", path)
	}
	return keys, nil
}

func splitKeys(v string) []string {
	var keys []string
	for _, k := range strings.Split(v, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
