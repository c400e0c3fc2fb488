package keypool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keypool-dev/keypool/internal/apierr"
	"github.com/keypool-dev/keypool/internal/config"
)

func testCoordinator(t *testing.T, keys []string, dailyLimit int) *Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Keys = keys
	cfg.DailyLimit = dailyLimit
	cfg.SleepSeconds = 1

	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	// Tests must not serve real sleeps.
	c.queue.SetSleepFunc(func(time.Duration) {})
	c.retry.SetSleepFunc(func(time.Duration) {})
	return c
}

func TestNewRequiresKeys(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("New without keys should fail")
	}
}

func TestReserveRunReleaseCycle(t *testing.T) {
	c := testCoordinator(t, []string{"key-a", "key-b"}, 10)

	key, ok := c.Reserve()
	if !ok {
		t.Fatal("Reserve failed on a fresh pool")
	}
	defer c.Release(key)

	got, err := c.Run(context.Background(), key, func(context.Context) (any, error) {
		return "result", nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "result" {
		t.Errorf("result = %v, want result", got)
	}

	// Run records usage through the store.
	if used := c.Store().UsageToday(key); used != 1 {
		t.Errorf("UsageToday = %d, want 1", used)
	}
}

func TestDoReservesRunsAndReleases(t *testing.T) {
	c := testCoordinator(t, []string{"only-key"}, 10)

	var seen string
	got, err := c.Do(context.Background(), func(_ context.Context, key string) (any, error) {
		seen = key
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %v, want ok", got)
	}
	if seen != "only-key" {
		t.Errorf("fn saw key %q, want only-key", seen)
	}

	// Released: a second Do can reserve the same key.
	if _, err := c.Do(context.Background(), func(_ context.Context, key string) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("second Do: %v", err)
	}
}

func TestDoSurfacesExhaustion(t *testing.T) {
	c := testCoordinator(t, []string{"key-a"}, 1)

	if _, err := c.Do(context.Background(), func(context.Context, string) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("first Do: %v", err)
	}

	// Daily limit 1 is now spent.
	_, err := c.Do(context.Background(), func(context.Context, string) (any, error) {
		t.Error("fn must not run when the pool is exhausted")
		return nil, nil
	})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
}

func TestDoReleasesOnError(t *testing.T) {
	c := testCoordinator(t, []string{"key-a"}, 10)

	boom := &apierr.FatalError{Err: errors.New("bad request")}
	if _, err := c.Do(context.Background(), func(context.Context, string) (any, error) {
		return nil, boom
	}); err == nil {
		t.Fatal("Do should propagate the fatal error")
	}

	// The key must be back in the pool despite the failure.
	key, ok := c.Reserve()
	if !ok {
		t.Fatal("Reserve after failed Do should succeed")
	}
	c.Release(key)
}

func TestDoRetriesRateLimits(t *testing.T) {
	c := testCoordinator(t, []string{"key-a"}, 10)

	calls := 0
	got, err := c.Do(context.Background(), func(context.Context, string) (any, error) {
		calls++
		if calls == 1 {
			return nil, &apierr.RateLimitError{RetryAfter: time.Second, Err: errors.New("429")}
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "recovered" || calls != 2 {
		t.Errorf("got %v after %d calls, want recovered after 2", got, calls)
	}
}

func TestConcurrentDoSpreadsLoad(t *testing.T) {
	c := testCoordinator(t, []string{"key-a", "key-b", "key-c"}, 10)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Exhaustion here means every key is checked out, not out
			// of quota; wait for a release and try again.
			for {
				_, err := c.Do(context.Background(), func(context.Context, string) (any, error) {
					time.Sleep(5 * time.Millisecond)
					return nil, nil
				})
				if !errors.Is(err, ErrResourceExhausted) {
					if err != nil {
						t.Errorf("Do: %v", err)
					}
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	s := c.UsageStats()
	if s.TotalUsedToday != 6 {
		t.Errorf("TotalUsedToday = %d, want 6", s.TotalUsedToday)
	}
	// Least-loaded selection must not funnel nearly everything
	// through one key.
	for _, key := range c.Keys() {
		if used := c.Store().UsageToday(key); used > 4 {
			t.Errorf("key %s carried %d calls, selection should spread load", key, used)
		}
	}
}

func TestUsageStats(t *testing.T) {
	c := testCoordinator(t, []string{"key-a", "key-b"}, 5)

	c.RecordUsage("key-a", false)
	c.RecordUsage("key-a", true)

	s := c.UsageStats()
	if s.TotalKeys != 2 || s.AvailableKeys != 2 {
		t.Errorf("keys = %d/%d available, want 2/2", s.TotalKeys, s.AvailableKeys)
	}
	if s.TotalUsedToday != 2 {
		t.Errorf("TotalUsedToday = %d, want 2", s.TotalUsedToday)
	}
	if s.TotalRemainingToday != 8 {
		t.Errorf("TotalRemainingToday = %d, want 8", s.TotalRemainingToday)
	}
}

func TestSequencerFromCoordinator(t *testing.T) {
	c := testCoordinator(t, []string{"key-a"}, 10)

	s := c.Sequencer(50 * time.Millisecond)
	if !s.Acquire(time.Second) {
		t.Fatal("Acquire failed")
	}

	start := time.Now()
	if !s.Acquire(time.Second) {
		t.Fatal("second Acquire failed")
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("sequencer should space calls by the minimum interval")
	}
}
