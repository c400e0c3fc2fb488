package queue

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/keypool-dev/keypool/internal/locking"
)

// Sequencer enforces a minimum interval between calls for APIs with a
// single shared rate limit and no per-key partitioning. The timing
// state is a "last call" stamp file shared by all processes; an
// in-process rate.Limiter keeps threads of the same process from
// hammering the file lock just to be told to wait.
type Sequencer struct {
	locker      locking.Locker
	stampPath   string
	minInterval time.Duration
	limiter     *rate.Limiter

	// swappable in tests
	now   func() time.Time
	sleep func(time.Duration)
}

// NewSequencer stores its stamp next to the lock files in dir.
func NewSequencer(locker locking.Locker, dir string, minInterval time.Duration) *Sequencer {
	return &Sequencer{
		locker:      locker,
		stampPath:   filepath.Join(dir, "sequencer_last_call"),
		minInterval: minInterval,
		limiter:     rate.NewLimiter(rate.Every(minInterval), 1),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Acquire blocks until at least minInterval has passed since the last
// stamped call anywhere, stamps now, and returns true. Returns false
// if the turn did not come within timeout.
func (s *Sequencer) Acquire(timeout time.Duration) bool {
	deadline := s.now().Add(timeout)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	// In-process pacing first; cheap compared to the file lock.
	if err := s.limiter.Wait(ctx); err != nil {
		return false
	}

	release, err := s.locker.Acquire(ctx, "sequencer")
	if err != nil {
		return false
	}
	defer release()

	for {
		wait := s.minInterval - s.now().Sub(s.lastCall())
		if wait <= 0 {
			break
		}
		if s.now().Add(wait).After(deadline) {
			return false
		}
		s.sleep(wait)
	}

	s.stamp(s.now())
	return true
}

// WaitIfNeeded waits for a turn with no practical deadline. There is
// nothing to release afterwards: the stamp is the state, not a held
// lock.
func (s *Sequencer) WaitIfNeeded() {
	s.Acquire(24 * time.Hour)
}

// lastCall reads the stamp; a missing or unreadable stamp means no
// prior call.
func (s *Sequencer) lastCall() time.Time {
	data, err := os.ReadFile(s.stampPath)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Sequencer) stamp(t time.Time) {
	os.WriteFile(s.stampPath, []byte(t.UTC().Format(time.RFC3339Nano)), 0644)
}

// SetClock overrides time functions. Tests only.
func (s *Sequencer) SetClock(now func() time.Time, sleep func(time.Duration)) {
	s.now = now
	s.sleep = sleep
}
