package locking

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func TestFileLockerAcquireRelease(t *testing.T) {
	l, err := NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}

	release, err := l.Acquire(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	// Re-acquire after release must succeed immediately.
	release2, err := AcquireTimeout(l, "res-1", time.Second)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}

func TestFileLockerExcludesSecondHolder(t *testing.T) {
	l, err := NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}

	release, err := l.Acquire(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	if _, err := AcquireTimeout(l, "res-1", 200*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second Acquire err = %v, want ErrLockTimeout", err)
	}
}

func TestFileLockerDistinctNamesIndependent(t *testing.T) {
	l, err := NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}

	r1, err := l.Acquire(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("Acquire res-1: %v", err)
	}
	defer r1()

	r2, err := AcquireTimeout(l, "res-2", time.Second)
	if err != nil {
		t.Fatalf("Acquire res-2 should not block on res-1: %v", err)
	}
	r2()
}

func TestFileLockerSerializesCriticalSections(t *testing.T) {
	l, err := NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "shared")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer release()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
}

func TestSanitize(t *testing.T) {
	l, err := NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}

	release, err := l.Acquire(context.Background(), "../escape/attempt")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	// The lock file must land inside the lock dir.
	entries, err := os.ReadDir(l.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
}
