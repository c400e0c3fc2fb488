// Package queue serializes calls per key across every thread and
// process, caps total concurrency, and enforces the mandatory
// post-call delay. One Queue instance is shared per provider;
// construct it once at the composition root.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/keypool-dev/keypool/internal/apierr"
	"github.com/keypool-dev/keypool/internal/locking"
	"github.com/keypool-dev/keypool/internal/usage"
)

// Recorder receives the outcome of every call. *usage.Store satisfies
// it; nil disables recording (tests, sequencer-only callers).
type Recorder interface {
	Record(key string, isError bool) error
}

// KeyStats tracks per-key timing in this process.
type KeyStats struct {
	MaskedID      string
	Requests      int
	Errors        int
	TotalDuration time.Duration
	LastRequestAt time.Time
}

// Stats is a snapshot of queue activity. Process-local, not
// persisted. PerKey is keyed by content hash; masked suffixes can
// collide across keys, so they are display-only.
type Stats struct {
	TotalRequests int
	TotalErrors   int
	CurrentDelay  time.Duration
	PerKey        map[string]KeyStats
}

// Queue guarantees at most one in-flight call per key (cross-process,
// via the per-key lock) and at most maxConcurrency calls in total
// (in-process, via a weighted semaphore).
type Queue struct {
	locker   locking.Locker
	recorder Recorder
	logger   *slog.Logger

	// sleep is swappable in tests.
	sleep func(time.Duration)

	// lockTimeout bounds the wait for a per-key lock; zero means wait
	// until ctx is done.
	lockTimeout time.Duration

	mu     sync.Mutex
	sem    *semaphore.Weighted
	delay  delayPolicy
	total  int
	errors int
	perKey map[string]*KeyStats
}

// New creates a queue with the given global concurrency cap and base
// post-call delay. logger may be nil.
func New(locker locking.Locker, recorder Recorder, maxConcurrency int, baseDelay time.Duration, logger *slog.Logger) *Queue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		locker:   locker,
		recorder: recorder,
		logger:   logger,
		sleep:    time.Sleep,
		sem:      semaphore.NewWeighted(int64(maxConcurrency)),
		delay:    newDelayPolicy(baseDelay),
		perKey:   make(map[string]*KeyStats),
	}
}

// Run executes fn while holding a global concurrency slot and the
// exclusive cross-process lock for key, records the outcome, applies
// the adaptive delay, and releases everything in reverse order on all
// exit paths. The error from fn is returned unchanged.
func (q *Queue) Run(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	// Slot accounting must survive SetMaxConcurrency: release into
	// the semaphore the slot came from.
	q.mu.Lock()
	sem := q.sem
	q.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	lockCtx := ctx
	if q.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, q.lockTimeout)
		defer cancel()
	}
	release, err := q.locker.Acquire(lockCtx, "exec_"+usage.ContentHash(key))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, locking.ErrLockTimeout
		}
		return nil, err
	}
	defer release()

	start := time.Now()
	result, callErr := fn(ctx)
	elapsed := time.Since(start)

	if q.recorder != nil {
		if recErr := q.recorder.Record(key, callErr != nil); recErr != nil {
			q.logger.Warn("queue: usage record failed", "key", usage.MaskKey(key), "error", recErr)
		}
	}

	wait := q.noteOutcome(key, elapsed, callErr)
	q.logger.Debug("queue: call finished",
		"key", usage.MaskKey(key), "duration", elapsed, "sleep", wait, "error", callErr != nil)

	// The delay runs while the per-key lock is still held; that is
	// what spaces out calls on the same key across processes.
	q.sleep(wait)

	return result, callErr
}

// noteOutcome updates stats and computes the post-call delay.
func (q *Queue) noteOutcome(key string, elapsed time.Duration, callErr error) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	hash := usage.ContentHash(key)
	ks, ok := q.perKey[hash]
	if !ok {
		ks = &KeyStats{MaskedID: usage.MaskKey(key)}
		q.perKey[hash] = ks
	}
	ks.Requests++
	ks.TotalDuration += elapsed
	ks.LastRequestAt = time.Now()
	q.total++

	if callErr != nil {
		ks.Errors++
		q.errors++
		return q.delay.onFailure(apierr.IsRateLimited(callErr))
	}
	return q.delay.onSuccess()
}

// SetSleepDuration rebases the adaptive delay on a new base value.
func (q *Queue) SetSleepDuration(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delay.reset(d)
}

// SetMaxConcurrency swaps in a fresh semaphore of the new size.
// Calls already in flight keep (and release) their old slots.
func (q *Queue) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sem = semaphore.NewWeighted(int64(n))
}

// CurrentDelay returns the delay the next successful call will sleep.
func (q *Queue) CurrentDelay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delay.current
}

// Stats returns a copy of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		TotalRequests: q.total,
		TotalErrors:   q.errors,
		CurrentDelay:  q.delay.current,
		PerKey:        make(map[string]KeyStats, len(q.perKey)),
	}
	for k, v := range q.perKey {
		s.PerKey[k] = *v
	}
	return s
}

// SetLockTimeout bounds how long Run waits for a per-key lock. A
// deadline miss surfaces as locking.ErrLockTimeout.
func (q *Queue) SetLockTimeout(d time.Duration) {
	q.lockTimeout = d
}

// SetSleepFunc overrides the sleeper. Tests only.
func (q *Queue) SetSleepFunc(fn func(time.Duration)) {
	q.sleep = fn
}
