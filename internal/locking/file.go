package locking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// FileLocker implements Locker with advisory file locks under a base
// directory. Lock files are never deleted; holding the flock is the
// only thing that matters, the file itself is just an anchor.
//
// OS advisory locks make no fairness promise: waiters are granted the
// lock in arbitrary order, not FIFO.
type FileLocker struct {
	dir string
}

// NewFileLocker creates the lock directory if needed.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir %s: %w", dir, err)
	}
	return &FileLocker{dir: dir}, nil
}

// Acquire blocks until the named file lock is held or ctx is done.
func (l *FileLocker) Acquire(ctx context.Context, name string) (func(), error) {
	fl := flock.New(l.Path(name))

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		fl.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !locked {
		fl.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", name, ctx.Err())
	}

	return func() {
		fl.Unlock()
		fl.Close()
	}, nil
}

// Path returns the lock file path for a lock name.
func (l *FileLocker) Path(name string) string {
	return filepath.Join(l.dir, sanitize(name)+".lock")
}

// Dir returns the base lock directory.
func (l *FileLocker) Dir() string {
	return l.dir
}

// sanitize keeps lock names safe to use as file names.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
