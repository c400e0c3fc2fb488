package usage

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/keypool-dev/keypool/internal/locking"
)

// TestHelperRecordOnce is not a real test: it is the body of a child
// process spawned by TestNoLostUpdatesAcrossProcesses.
func TestHelperRecordOnce(t *testing.T) {
	dir := os.Getenv("KEYPOOL_TEST_CHILD_DIR")
	if dir == "" {
		t.Skip("helper for the cross-process test")
	}

	store := openTestStore(t, dir)
	if err := store.Record("cross-process-key", false); err != nil {
		t.Fatalf("child Record: %v", err)
	}
}

func TestNoLostUpdatesAcrossProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}

	dir := t.TempDir()
	const procs = 5

	var wg sync.WaitGroup
	for i := 0; i < procs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := exec.Command(os.Args[0], "-test.run", "^TestHelperRecordOnce$", "-test.v")
			cmd.Env = append(os.Environ(), "KEYPOOL_TEST_CHILD_DIR="+dir)
			if out, err := cmd.CombinedOutput(); err != nil {
				t.Errorf("child process failed: %v\n%s", err, out)
			}
		}()
	}
	wg.Wait()

	store := openTestStore(t, dir)
	if got := store.UsageToday("cross-process-key"); got != procs {
		t.Errorf("UsageToday = %d, want %d (no increment may be lost across processes)",
			got, procs)
	}
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	locker, err := locking.NewFileLocker(filepath.Join(dir, "locks"))
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}
	store, err := NewStore(filepath.Join(dir, "usage"), locker, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}
