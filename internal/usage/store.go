package usage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/keypool-dev/keypool/internal/locking"
)

const (
	// lockAttempts bounds how often Record retries the record lock
	// before falling back to a best-effort unlocked write.
	lockAttempts = 3

	// lockWait is the bounded wait per lock attempt.
	lockWait = 5 * time.Second
)

// Store is the file-backed usage ledger. All writes to a record go
// through a single read-modify-write critical section guarded by an
// in-process mutex plus a cross-process lock on the record's name, so
// no increment is lost under any interleaving of threads or processes.
type Store struct {
	dir    string
	locker locking.Locker
	logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time

	mu    sync.Mutex
	local map[string]*sync.Mutex
}

// NewStore creates the usage directory if needed. logger may be nil.
func NewStore(dir string, locker locking.Locker, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create usage dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		locker: locker,
		logger: logger,
		now:    time.Now,
		local:  make(map[string]*sync.Mutex),
	}, nil
}

// Record appends one request for key as a single atomic
// read-modify-write. If the cross-process lock cannot be acquired
// after bounded retries, the update is applied best-effort without it
// rather than failing the caller's work.
func (s *Store) Record(key string, isError bool) error {
	hash := ContentHash(key)

	local := s.localMutex(hash)
	local.Lock()
	defer local.Unlock()

	release, err := s.acquireRecordLock(hash)
	if err != nil {
		s.logger.Warn("usage: proceeding without record lock (best effort)",
			"key", MaskKey(key), "error", err)
	} else {
		defer release()
	}

	rec := s.load(key)
	rec.Touch(s.now(), isError)
	if err := s.save(rec); err != nil {
		return fmt.Errorf("persist usage for %s: %w", MaskKey(key), err)
	}
	return nil
}

// acquireRecordLock retries the record lock with backoff and jitter a
// fixed number of times.
func (s *Store) acquireRecordLock(hash string) (func(), error) {
	var lastErr error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		release, err := locking.AcquireTimeout(s.locker, "usage_"+hash, lockWait)
		if err == nil {
			return release, nil
		}
		lastErr = err
		if attempt < lockAttempts-1 {
			base := 100 * time.Millisecond << uint(attempt)
			time.Sleep(base + time.Duration(rand.Int63n(int64(base))))
		}
	}
	return nil, lastErr
}

// UsageToday returns today's request count for key; 0 when the key
// has no record or no entry for today.
func (s *Store) UsageToday(key string) int {
	return s.load(key).UsageOn(s.today())
}

// RemainingToday returns how many requests key may still make today.
func (s *Store) RemainingToday(key string, dailyLimit int) int {
	remaining := dailyLimit - s.UsageToday(key)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CanRequest reports whether key has quota left today.
func (s *Store) CanRequest(key string, dailyLimit int) bool {
	return s.RemainingToday(key, dailyLimit) > 0
}

// IsNearLimit reports whether key's usage has crossed the warning
// threshold fraction of its daily limit.
func (s *Store) IsNearLimit(key string, dailyLimit int, threshold float64) bool {
	return float64(s.UsageToday(key)) >= float64(dailyLimit)*threshold
}

// Get returns the persisted record for key, or a fresh empty record
// if none exists.
func (s *Store) Get(key string) *KeyRecord {
	return s.load(key)
}

// Reset deletes the persisted record for key. Irreversible.
func (s *Store) Reset(key string) error {
	err := os.Remove(s.recordPath(ContentHash(key)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset usage for %s: %w", MaskKey(key), err)
	}
	return nil
}

// ResetAll deletes every persisted usage record. Irreversible.
func (s *Store) ResetAll() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "key_*.json"))
	if err != nil {
		return fmt.Errorf("list usage records: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reset usage record %s: %w", filepath.Base(m), err)
		}
	}
	return nil
}

// CleanupOlderThan removes daily entries older than the cutoff from
// every record, preserving running totals. Pruned days are rolled into
// the archive when one is given. Returns the number of pruned days.
func (s *Store) CleanupOlderThan(days int, archive *Archive) (int, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -days).Format(DateFormat)

	matches, err := filepath.Glob(filepath.Join(s.dir, "key_*.json"))
	if err != nil {
		return 0, fmt.Errorf("list usage records: %w", err)
	}

	pruned := 0
	for _, path := range matches {
		n, err := s.cleanupRecord(path, cutoff, archive)
		if err != nil {
			return pruned, err
		}
		pruned += n
	}
	if pruned > 0 {
		s.logger.Info("usage: pruned old daily entries", "cutoff", cutoff, "pruned", pruned)
	}
	return pruned, nil
}

func (s *Store) cleanupRecord(path, cutoff string, archive *Archive) (int, error) {
	hash := hashFromPath(path)

	local := s.localMutex(hash)
	local.Lock()
	defer local.Unlock()

	release, err := s.acquireRecordLock(hash)
	if err == nil {
		defer release()
	}

	rec, ok := s.loadPath(path)
	if !ok {
		return 0, nil
	}

	var days []string
	for day := range rec.Daily {
		if day < cutoff {
			days = append(days, day)
		}
	}
	if len(days) == 0 {
		return 0, nil
	}
	sort.Strings(days)

	if archive != nil {
		rows := make([]ArchiveRow, 0, len(days))
		for _, day := range days {
			du := rec.Daily[day]
			rows = append(rows, ArchiveRow{
				KeyHash:  rec.ContentHash,
				MaskedID: rec.MaskedID,
				Date:     day,
				Requests: du.RequestCount,
				Errors:   du.ErrorCount,
			})
		}
		if err := archive.Insert(rows); err != nil {
			return 0, fmt.Errorf("archive pruned days for %s: %w", rec.MaskedID, err)
		}
	}

	for _, day := range days {
		delete(rec.Daily, day)
	}
	if err := s.save(rec); err != nil {
		return 0, fmt.Errorf("persist cleaned record %s: %w", rec.MaskedID, err)
	}
	return len(days), nil
}

// Records loads every persisted record, for status displays.
func (s *Store) Records() []*KeyRecord {
	matches, _ := filepath.Glob(filepath.Join(s.dir, "key_*.json"))
	sort.Strings(matches)

	var recs []*KeyRecord
	for _, path := range matches {
		if rec, ok := s.loadPath(path); ok {
			recs = append(recs, rec)
		}
	}
	return recs
}

// SetNowFunc overrides the clock. Tests only.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

func (s *Store) today() string {
	return s.now().UTC().Format(DateFormat)
}

func (s *Store) localMutex(hash string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.local[hash]
	if !ok {
		m = &sync.Mutex{}
		s.local[hash] = m
	}
	return m
}

func (s *Store) recordPath(hash string) string {
	return filepath.Join(s.dir, "key_"+hash+".json")
}

// load returns the persisted record for key, or a fresh one when the
// file is absent or unreadable. Corruption never surfaces: the key
// simply starts over with no prior usage.
func (s *Store) load(key string) *KeyRecord {
	path := s.recordPath(ContentHash(key))
	if rec, ok := s.loadPath(path); ok {
		return rec
	}
	return NewKeyRecord(key, s.now())
}

func (s *Store) loadPath(path string) (*KeyRecord, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var rec KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("usage: corrupt record, starting fresh",
			"file", filepath.Base(path), "error", err)
		return nil, false
	}
	if rec.Daily == nil {
		rec.Daily = make(map[string]*DailyUsage)
	}
	return &rec, true
}

// save writes the record atomically: temp file in the same directory,
// then rename, so readers never observe a partial record.
func (s *Store) save(rec *KeyRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	path := s.recordPath(rec.ContentHash)
	tmp, err := os.CreateTemp(s.dir, ".key_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename record into place: %w", err)
	}
	return nil
}

func hashFromPath(path string) string {
	base := filepath.Base(path)
	base = base[len("key_"):]
	return base[:len(base)-len(".json")]
}
