// Package pool selects the least-loaded key that still has quota and
// hands out race-free reservations to callers within this process.
// Cross-process exclusivity is not this package's job: that is
// enforced one layer down by the execution queue's per-key lock.
package pool

import (
	"sync"

	"github.com/keypool-dev/keypool/internal/usage"
)

// Pool picks keys by effective load. Reservations are process-local
// and in-memory only: a crash drops them, and a restart starts clean.
type Pool struct {
	store            *usage.Store
	dailyLimit       int
	warningThreshold float64

	mu       sync.Mutex
	reserved map[string]bool
	inFlight map[string]int
}

// Summary aggregates pool state for status displays.
type Summary struct {
	TotalKeys           int
	AvailableKeys       int
	TotalUsedToday      int
	TotalRemainingToday int
	UtilizationPercent  float64
	NearLimitCount      int
}

// New creates a pool over the given usage store.
func New(store *usage.Store, dailyLimit int, warningThreshold float64) *Pool {
	return &Pool{
		store:            store,
		dailyLimit:       dailyLimit,
		warningThreshold: warningThreshold,
		reserved:         make(map[string]bool),
		inFlight:         make(map[string]int),
	}
}

// LeastUsed returns the key with the smallest recorded usage today
// among keys that still have quota, ties broken by input order. The
// second return is false when every key is at or over its limit.
//
// Advisory only: two callers can race to the same answer. Use Reserve
// when the selection must be exclusive.
func (p *Pool) LeastUsed(keys []string) (string, bool) {
	best := ""
	bestUsage := -1
	for _, key := range keys {
		if !p.store.CanRequest(key, p.dailyLimit) {
			continue
		}
		u := p.store.UsageToday(key)
		if bestUsage == -1 || u < bestUsage {
			best = key
			bestUsage = u
		}
	}
	if bestUsage == -1 {
		return "", false
	}
	return best, true
}

// Reserve atomically selects and claims the key with the smallest
// effective usage (recorded + in-flight) that is under its daily
// limit and not already reserved by another caller in this process.
// Returns false when every key is reserved or exhausted; callers
// decide whether to wait or fail.
func (p *Pool) Reserve(keys []string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := ""
	bestEffective := -1
	for _, key := range keys {
		if p.reserved[key] {
			continue
		}
		effective := p.store.UsageToday(key) + p.inFlight[key]
		if effective >= p.dailyLimit {
			continue
		}
		if bestEffective == -1 || effective < bestEffective {
			best = key
			bestEffective = effective
		}
	}
	if bestEffective == -1 {
		return "", false
	}

	p.reserved[best] = true
	p.inFlight[best]++
	return best, true
}

// Release returns a reserved key to the pool. Idempotent: releasing a
// key that is not reserved is a no-op.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.reserved[key] {
		return
	}
	delete(p.reserved, key)
	if p.inFlight[key] > 0 {
		p.inFlight[key]--
	}
	if p.inFlight[key] == 0 {
		delete(p.inFlight, key)
	}
}

// RecordUsage commits one request against key in the durable ledger.
func (p *Pool) RecordUsage(key string, isError bool) error {
	return p.store.Record(key, isError)
}

// AvailableCount returns how many keys still have quota today.
func (p *Pool) AvailableCount(keys []string) int {
	n := 0
	for _, key := range keys {
		if p.store.CanRequest(key, p.dailyLimit) {
			n++
		}
	}
	return n
}

// IsReserved reports whether key is currently checked out in this
// process.
func (p *Pool) IsReserved(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved[key]
}

// Summary aggregates today's usage across the given keys.
func (p *Pool) Summary(keys []string) Summary {
	s := Summary{TotalKeys: len(keys)}
	for _, key := range keys {
		used := p.store.UsageToday(key)
		s.TotalUsedToday += used
		s.TotalRemainingToday += p.store.RemainingToday(key, p.dailyLimit)
		if p.store.CanRequest(key, p.dailyLimit) {
			s.AvailableKeys++
		}
		if p.store.IsNearLimit(key, p.dailyLimit, p.warningThreshold) {
			s.NearLimitCount++
		}
	}
	capacity := len(keys) * p.dailyLimit
	if capacity > 0 {
		s.UtilizationPercent = 100 * float64(s.TotalUsedToday) / float64(capacity)
	}
	return s
}
