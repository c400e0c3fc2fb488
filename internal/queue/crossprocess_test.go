package queue

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keypool-dev/keypool/internal/locking"
)

// TestHelperRunOnce is not a real test: it is the body of a child
// process spawned by TestPerKeyExclusivityAcrossProcesses. It runs one
// call on the shared key and records its wall-clock span.
func TestHelperRunOnce(t *testing.T) {
	dir := os.Getenv("KEYPOOL_TEST_QUEUE_DIR")
	if dir == "" {
		t.Skip("helper for the cross-process test")
	}

	locker, err := locking.NewFileLocker(filepath.Join(dir, "locks"))
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}
	q := New(locker, nil, 2, time.Second, nil)
	q.SetSleepFunc(func(time.Duration) {})

	_, err = q.Run(context.Background(), "shared-key", func(context.Context) (any, error) {
		start := time.Now().UnixNano()
		time.Sleep(100 * time.Millisecond)
		end := time.Now().UnixNano()

		span := fmt.Sprintf("%d %d", start, end)
		path := filepath.Join(dir, fmt.Sprintf("span_%d.txt", os.Getpid()))
		return nil, os.WriteFile(path, []byte(span), 0644)
	})
	if err != nil {
		t.Fatalf("child Run: %v", err)
	}
}

func TestPerKeyExclusivityAcrossProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}

	dir := t.TempDir()
	const procs = 3

	var wg sync.WaitGroup
	for i := 0; i < procs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := exec.Command(os.Args[0], "-test.run", "^TestHelperRunOnce$", "-test.v")
			cmd.Env = append(os.Environ(), "KEYPOOL_TEST_QUEUE_DIR="+dir)
			if out, err := cmd.CombinedOutput(); err != nil {
				t.Errorf("child process failed: %v\n%s", err, out)
			}
		}()
	}
	wg.Wait()

	spans := readSpans(t, dir)
	if len(spans) != procs {
		t.Fatalf("got %d spans, want %d", len(spans), procs)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	for i := 1; i < len(spans); i++ {
		if spans[i][0] < spans[i-1][1] {
			t.Errorf("calls for one key overlapped across processes: [%d,%d] then [%d,%d]",
				spans[i-1][0], spans[i-1][1], spans[i][0], spans[i][1])
		}
	}
}

func readSpans(t *testing.T, dir string) [][2]int64 {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "span_*.txt"))
	if err != nil {
		t.Fatalf("glob spans: %v", err)
	}
	var spans [][2]int64
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read span %s: %v", path, err)
		}
		var start, end int64
		if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d %d", &start, &end); err != nil {
			t.Fatalf("parse span %q: %v", data, err)
		}
		spans = append(spans, [2]int64{start, end})
	}
	return spans
}
