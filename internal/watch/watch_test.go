package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/beadsboard/internal/logging"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) record(path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New(Config{Debounce: 50 * time.Millisecond, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 3s")
}

// TestWatchFile_Coalesces tests that a burst of writes yields one callback
func TestWatchFile_Coalesces(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t)
	rec := &recorder{}
	if _, err := w.WatchFile(filepath.Join(dir, "*.db"), rec.record); err != nil {
		t.Fatalf("WatchFile() failed: %v", err)
	}

	path := filepath.Join(dir, "beads.db")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte(i)}, 0644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
	}

	waitFor(t, func() bool { return len(rec.snapshot()) > 0 })
	time.Sleep(150 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(got))
	}
	if got[0] != path {
		t.Errorf("path = %q, want %q", got[0], path)
	}
}

// TestWatchFile_IgnoresOtherFiles tests pattern filtering and side files
func TestWatchFile_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t)
	rec := &recorder{}
	target := filepath.Join(dir, "beads.db")
	if _, err := w.WatchFile(target, rec.record); err != nil {
		t.Fatalf("WatchFile() failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "issues.jsonl"), []byte("{}"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("unrelated file triggered %v", got)
	}

	if err := os.WriteFile(target+"-wal", []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot()[0]; got != target {
		t.Errorf("path = %q, want %q", got, target)
	}
}

// TestWatchFile_Stop tests that a stopped subscription gets no callbacks
func TestWatchFile_Stop(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t)
	rec := &recorder{}
	stop, err := w.WatchFile(filepath.Join(dir, "*.db"), rec.record)
	if err != nil {
		t.Fatalf("WatchFile() failed: %v", err)
	}
	stop()
	stop()

	if err := os.WriteFile(filepath.Join(dir, "beads.db"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("stopped subscription received %v", got)
	}
}

// TestWatchFile_MissingDir tests the error for an unwatchable directory
func TestWatchFile_MissingDir(t *testing.T) {
	w := newTestWatcher(t)
	if _, err := w.WatchFile(filepath.Join(t.TempDir(), "nope", "*.db"), func(string) {}); err == nil {
		t.Fatal("WatchFile() succeeded, want error")
	}
}

// TestClose tests that Close is idempotent and rejects new subscriptions
func TestClose(t *testing.T) {
	w, err := New(Config{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if _, err := w.WatchFile(filepath.Join(t.TempDir(), "*.db"), func(string) {}); err == nil {
		t.Error("WatchFile() after Close succeeded, want error")
	}
}
