// Package usage is the durable, process-safe ledger of per-key daily
// request counts. One JSON record file per key, named by a stable hash
// of the key's value, mutated only under an exclusive cross-process
// lock. Pruned history is rolled into a local sqlite archive.
package usage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DateFormat is the calendar-day key for daily buckets, always UTC.
const DateFormat = "2006-01-02"

// DailyUsage tracks one key's requests for one calendar day.
type DailyUsage struct {
	Date          string      `json:"date"`
	RequestCount  int         `json:"request_count"`
	Timestamps    []time.Time `json:"timestamps"`
	ErrorCount    int         `json:"error_count"`
	LastRequestAt *time.Time  `json:"last_request_at,omitempty"`
}

// KeyRecord is the persisted usage record for one key. The real key
// value never appears in it: MaskedID is a display-safe suffix and
// ContentHash names the record file.
type KeyRecord struct {
	MaskedID      string                 `json:"masked_id"`
	ContentHash   string                 `json:"content_hash"`
	CreatedAt     time.Time              `json:"created_at"`
	Daily         map[string]*DailyUsage `json:"daily_usage"`
	TotalRequests int                    `json:"total_requests"`
	TotalErrors   int                    `json:"total_errors"`
	LastUsedAt    *time.Time             `json:"last_used_at,omitempty"`
}

// NewKeyRecord creates a fresh record for a key with no prior usage.
func NewKeyRecord(key string, now time.Time) *KeyRecord {
	return &KeyRecord{
		MaskedID:    MaskKey(key),
		ContentHash: ContentHash(key),
		CreatedAt:   now.UTC(),
		Daily:       make(map[string]*DailyUsage),
	}
}

// Touch appends one request on the given day, keeping
// RequestCount == len(Timestamps) and the running totals in step.
func (r *KeyRecord) Touch(now time.Time, isError bool) {
	now = now.UTC()
	day := now.Format(DateFormat)

	if r.Daily == nil {
		r.Daily = make(map[string]*DailyUsage)
	}
	du, ok := r.Daily[day]
	if !ok {
		du = &DailyUsage{Date: day}
		r.Daily[day] = du
	}

	du.RequestCount++
	du.Timestamps = append(du.Timestamps, now)
	du.LastRequestAt = &now
	if isError {
		du.ErrorCount++
		r.TotalErrors++
	}
	r.TotalRequests++
	r.LastUsedAt = &now
}

// UsageOn returns the request count for the given day, 0 if absent.
func (r *KeyRecord) UsageOn(day string) int {
	if r == nil || r.Daily == nil {
		return 0
	}
	if du, ok := r.Daily[day]; ok {
		return du.RequestCount
	}
	return 0
}

// ContentHash derives the record file identity from the key value:
// collision-resistant, not reversible, stable across processes.
func ContentHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}

// MaskKey returns a display-safe form of a key: its last four
// characters behind an ellipsis. Short keys are fully masked.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "..." + key[len(key)-4:]
}
