// Package keypool coordinates many threads and processes sharing a
// small pool of rate-limited API keys: durable per-key daily usage
// accounting, least-loaded selection with race-free reservation,
// one-in-flight-per-key execution with a global concurrency cap and
// mandatory adaptive delay, and rate-limit-aware retries.
//
// Coordinator is an explicit, injectable composition; Default gives
// process-wide lazy construction for callers that want singleton
// ergonomics at the outermost layer.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keypool-dev/keypool/internal/config"
	"github.com/keypool-dev/keypool/internal/locking"
	"github.com/keypool-dev/keypool/internal/pool"
	"github.com/keypool-dev/keypool/internal/queue"
	"github.com/keypool-dev/keypool/internal/retry"
	"github.com/keypool-dev/keypool/internal/usage"
)

// ErrResourceExhausted means every key is either reserved by another
// caller or out of daily quota. It is the only pool condition that
// should terminate a caller's higher-level operation.
var ErrResourceExhausted = errors.New("all keys reserved or over daily limit")

// Coordinator wires the store, pool, queue and retry layers over one
// shared data directory.
type Coordinator struct {
	cfg    config.Config
	locker locking.Locker
	store  *usage.Store
	pool   *pool.Pool
	queue  *queue.Queue
	retry  *retry.Orchestrator
	logger *slog.Logger

	closeLocker func() error
}

// New builds a Coordinator from cfg. The caller owns the instance and
// should Close it when done.
func New(cfg config.Config, logger *slog.Logger) (*Coordinator, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("no API keys configured (set KEYPOOL_API_KEYS or key_file)")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		locker      locking.Locker
		closeLocker func() error
	)
	switch cfg.LockBackend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rl, err := locking.NewRedisLocker(ctx, cfg.RedisURL, "", 0)
		if err != nil {
			return nil, err
		}
		locker = rl
		closeLocker = rl.Close
	default:
		fl, err := locking.NewFileLocker(cfg.LockDir())
		if err != nil {
			return nil, err
		}
		locker = fl
	}

	store, err := usage.NewStore(cfg.UsageDir(), locker, logger)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:    cfg,
		locker: locker,
		store:  store,
		pool:   pool.New(store, cfg.DailyLimit, cfg.WarningThreshold),
		queue: queue.New(locker, store, cfg.MaxConcurrency,
			time.Duration(cfg.SleepSeconds)*time.Second, logger),
		retry: retry.New(cfg.MaxRetries,
			time.Duration(cfg.RetryDelaySeconds)*time.Second,
			time.Duration(cfg.RetryBufferSeconds)*time.Second, logger),
		logger:      logger,
		closeLocker: closeLocker,
	}
	c.queue.SetLockTimeout(time.Duration(cfg.LockTimeoutSeconds) * time.Second)
	return c, nil
}

// Reserve claims the least-loaded key with quota left. The second
// return is false when the pool is exhausted or fully reserved.
func (c *Coordinator) Reserve() (string, bool) {
	return c.pool.Reserve(c.cfg.Keys)
}

// Release returns a reserved key. Always pair with Reserve, on every
// exit path.
func (c *Coordinator) Release(key string) {
	c.pool.Release(key)
}

// RecordUsage commits one request against key in the durable ledger.
func (c *Coordinator) RecordUsage(key string, isError bool) error {
	return c.pool.RecordUsage(key, isError)
}

// Run executes fn under key's cross-process lock and the global
// concurrency cap, records the outcome, and applies the mandatory
// delay. Callers must have reserved key first.
func (c *Coordinator) Run(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	return c.queue.Run(ctx, key, fn)
}

// Do is the scoped whole-trip helper: reserve a key, run fn through
// the queue with rate-limit-aware retries, release the key on every
// exit path. fn receives the key it must use.
func (c *Coordinator) Do(ctx context.Context, fn func(ctx context.Context, key string) (any, error)) (any, error) {
	key, ok := c.Reserve()
	if !ok {
		return nil, ErrResourceExhausted
	}
	defer c.Release(key)

	return c.retry.Do(ctx, func(ctx context.Context) (any, error) {
		return c.queue.Run(ctx, key, func(ctx context.Context) (any, error) {
			return fn(ctx, key)
		})
	})
}

// UsageStats aggregates today's usage across the configured keys.
func (c *Coordinator) UsageStats() pool.Summary {
	return c.pool.Summary(c.cfg.Keys)
}

// QueueStats returns this process's queue counters.
func (c *Coordinator) QueueStats() queue.Stats {
	return c.queue.Stats()
}

// Sequencer returns a cross-process sequencer for keyless APIs with a
// single shared rate limit, stored alongside the pool's lock files.
func (c *Coordinator) Sequencer(minInterval time.Duration) *queue.Sequencer {
	return queue.NewSequencer(c.locker, c.cfg.LockDir(), minInterval)
}

// Store exposes the usage ledger for maintenance operations (reset,
// cleanup, status displays).
func (c *Coordinator) Store() *usage.Store {
	return c.store
}

// Config returns the coordinator's effective configuration.
func (c *Coordinator) Config() config.Config {
	return c.cfg
}

// Keys returns the configured key pool in order.
func (c *Coordinator) Keys() []string {
	return c.cfg.Keys
}

// Close releases backend connections. File-backed coordinators hold
// nothing open between calls.
func (c *Coordinator) Close() error {
	if c.closeLocker != nil {
		return c.closeLocker()
	}
	return nil
}

// DefaultConfigPath is where the CLI and Default look for the config
// file unless overridden.
func DefaultConfigPath() string {
	if v := os.Getenv("KEYPOOL_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "keypool.yaml"
	}
	return filepath.Join(home, ".keypool", "keypool.yaml")
}

var defaultOnce = sync.OnceValues(func() (*Coordinator, error) {
	cfg, err := config.Load(DefaultConfigPath())
	if err != nil {
		return nil, err
	}
	return New(cfg, nil)
})

// Default returns the process-wide lazily constructed Coordinator,
// configured from DefaultConfigPath and the environment.
func Default() (*Coordinator, error) {
	return defaultOnce()
}
