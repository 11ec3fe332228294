package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countOnDisk counts rows in the target file, bypassing the working copy.
func countOnDisk(t *testing.T, path, query string, args ...any) int {
	t.Helper()
	conn, err := openConn(path, true)
	if err != nil {
		t.Fatalf("openConn() failed: %v", err)
	}
	defer conn.Close()
	var n int
	if err := conn.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return n
}

// writeExternal inserts an item into the target the way another process
// would and moves the file's mtime forward.
func writeExternal(t *testing.T, path, id string) {
	t.Helper()
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	conn, err := openConn(path, false)
	if err != nil {
		t.Fatalf("openConn() failed: %v", err)
	}
	now := time.Now().UTC()
	if _, err := conn.Exec(
		`INSERT INTO issues (id, title, status, priority, created_at, updated_at) VALUES (?, 'external', 'open', 2, ?, ?)`,
		id, now, now); err != nil {
		conn.Close()
		t.Fatalf("external insert failed: %v", err)
	}
	conn.Close()
	bump(t, path, st.ModTime().Add(2*time.Second))
}

func bump(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes() failed: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// TestDebouncedSave_Coalesces tests that a burst of edits produces one save of the final state
func TestDebouncedSave_Coalesces(t *testing.T) {
	ctx := context.Background()
	var saves atomic.Int32
	s, path := newTestStore(t, func(c *Config) {
		c.SaveDebounce = 300 * time.Millisecond
		c.OnSave = func(time.Duration, error) { saves.Add(1) }
	})

	id := mustCreate(t, s, types.CreateInput{Title: "x"})
	for _, l := range []string{"a", "b", "c"} {
		time.Sleep(50 * time.Millisecond)
		if err := s.AddLabel(ctx, id, l); err != nil {
			t.Fatalf("AddLabel(%s) failed: %v", l, err)
		}
	}
	if saves.Load() != 0 {
		t.Fatalf("saved %d times inside the quiet window", saves.Load())
	}

	if !waitFor(t, 2*time.Second, func() bool { return saves.Load() >= 1 }) {
		t.Fatal("no save after the quiet window")
	}
	time.Sleep(400 * time.Millisecond)
	if got := saves.Load(); got != 1 {
		t.Errorf("saved %d times, want 1", got)
	}
	if s.Dirty() {
		t.Error("Dirty() = true after save")
	}
	if n := countOnDisk(t, path, `SELECT COUNT(*) FROM labels WHERE issue_id = ?`, id); n != 3 {
		t.Errorf("labels on disk = %d, want 3", n)
	}
}

// TestSave_FailedReplaceKeepsOriginal tests that a failed rename leaves the target untouched
func TestSave_FailedReplaceKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t, nil)
	s.replaceFile = func(src, dst string) error { return errors.New("disk full") }

	if _, err := s.CreateItem(ctx, types.CreateInput{Title: "unsaved"}); err != nil {
		t.Fatalf("CreateItem() failed: %v", err)
	}
	err := s.Flush(ctx)
	if err == nil {
		t.Fatal("Flush() succeeded with a failing rename")
	}
	if errs.KindOf(err) != errs.KindResource {
		t.Errorf("KindOf() = %v, want resource", errs.KindOf(err))
	}
	if !s.Dirty() {
		t.Error("Dirty() = false after a failed save")
	}
	if s.LastSaveError() == nil {
		t.Error("LastSaveError() = nil after a failed save")
	}

	if n := countOnDisk(t, path, `SELECT COUNT(*) FROM issues`); n != 0 {
		t.Errorf("issues on disk = %d, want original 0", n)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".beads.db.tmp-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}

	// The next attempt writes everything that was kept.
	s.replaceFile = natomic.ReplaceFile
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if n := countOnDisk(t, path, `SELECT COUNT(*) FROM issues`); n != 1 {
		t.Errorf("issues on disk = %d, want 1", n)
	}
	if s.Dirty() || s.LastSaveError() != nil {
		t.Errorf("after recovery: Dirty()=%v LastSaveError()=%v", s.Dirty(), s.LastSaveError())
	}
}

// TestSave_RetriesLockContention tests backoff retries on a locked target
func TestSave_RetriesLockContention(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t, func(c *Config) { c.SaveBackoff = time.Millisecond })

	var calls int
	s.replaceFile = func(src, dst string) error {
		calls++
		if calls < 3 {
			return &os.LinkError{Op: "rename", Old: src, New: dst, Err: lockContentionErrno}
		}
		return natomic.ReplaceFile(src, dst)
	}

	mustCreate(t, s, types.CreateInput{Title: "x"})
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("replace called %d times, want 3", calls)
	}
	if n := countOnDisk(t, path, `SELECT COUNT(*) FROM issues`); n != 1 {
		t.Errorf("issues on disk = %d, want 1", n)
	}
}

// TestSave_GivesUpAfterMaxAttempts tests that persistent contention is a transient failure
func TestSave_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, func(c *Config) {
		c.SaveBackoff = time.Millisecond
		c.MaxSaveAttempts = 3
	})

	var calls int
	s.replaceFile = func(src, dst string) error {
		calls++
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: lockContentionErrno}
	}

	mustCreate(t, s, types.CreateInput{Title: "x"})
	err := s.Flush(ctx)
	if !errs.IsRetryable(err) {
		t.Errorf("Flush() error = %v, want transient", err)
	}
	if calls != 3 {
		t.Errorf("replace called %d times, want 3", calls)
	}
	if !s.Dirty() {
		t.Error("Dirty() = false after giving up")
	}
	s.replaceFile = natomic.ReplaceFile
}

// TestExternalChange_Reloads tests that an edit by another process is picked up
func TestExternalChange_Reloads(t *testing.T) {
	ctx := context.Background()
	var reloads atomic.Int32
	s, path := newTestStore(t, func(c *Config) {
		c.OnReload = func(reason string) {
			if reason == "external" {
				reloads.Add(1)
			}
		}
	})

	if _, err := s.GetBoard(ctx); err != nil {
		t.Fatalf("GetBoard() failed: %v", err)
	}
	writeExternal(t, path, "test-ext001")

	board, err := s.GetBoard(ctx)
	if err != nil {
		t.Fatalf("GetBoard() failed: %v", err)
	}
	if board.Find("test-ext001") == nil {
		t.Error("external item missing after reload")
	}
	if got := reloads.Load(); got != 1 {
		t.Errorf("external reloads = %d, want 1", got)
	}

	// Unchanged mtime does not reload again.
	if _, err := s.GetBoard(ctx); err != nil {
		t.Fatalf("GetBoard() failed: %v", err)
	}
	if got := reloads.Load(); got != 1 {
		t.Errorf("external reloads = %d after no change, want 1", got)
	}
}

// TestSelfSave_EchoSuppressed tests that our own save is not mistaken for an external edit
func TestSelfSave_EchoSuppressed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var reloads atomic.Int32
	s, path := newTestStore(t, func(c *Config) {
		c.Now = clock.Now
		c.OnReload = func(string) { reloads.Add(1) }
	})

	mustCreate(t, s, types.CreateInput{Title: "x"})
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if !s.IsRecentSelfChange() {
		t.Error("IsRecentSelfChange() = false right after a save")
	}

	// A late watcher event inside the window, e.g. a second mtime update.
	st, _ := os.Stat(path)
	bump(t, path, st.ModTime().Add(time.Second))
	clock.Advance(500 * time.Millisecond)
	if _, err := s.GetBoard(ctx); err != nil {
		t.Fatalf("GetBoard() failed: %v", err)
	}
	if got := reloads.Load(); got != 0 {
		t.Errorf("reloads inside the self-save window = %d, want 0", got)
	}

	clock.Advance(time.Second)
	if s.IsRecentSelfChange() {
		t.Error("IsRecentSelfChange() = true after the window")
	}
	writeExternal(t, path, "test-ext002")
	board, err := s.GetBoard(ctx)
	if err != nil {
		t.Fatalf("GetBoard() failed: %v", err)
	}
	if board.Find("test-ext002") == nil || reloads.Load() != 1 {
		t.Errorf("after the window: external item found=%v reloads=%d, want true and 1",
			board.Find("test-ext002") != nil, reloads.Load())
	}
}

// TestExternalChange_LocalEditsWin tests that unsaved edits are not discarded by an external change
func TestExternalChange_LocalEditsWin(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t, nil)
	id := mustCreate(t, s, types.CreateInput{Title: "local"})

	writeExternal(t, path, "test-ext003")
	board, err := s.GetBoard(ctx)
	if err != nil {
		t.Fatalf("GetBoard() failed: %v", err)
	}
	if board.Find(id) == nil {
		t.Fatal("unsaved local item lost to an external change")
	}
	if board.Find("test-ext003") != nil {
		t.Error("external item loaded over unsaved local edits")
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if n := countOnDisk(t, path, `SELECT COUNT(*) FROM issues WHERE id = ?`, id); n != 1 {
		t.Errorf("local item on disk = %d, want 1", n)
	}
}

// TestReload_FlushesFirst tests that an explicit reload never drops pending edits
func TestReload_FlushesFirst(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t, nil)
	id := mustCreate(t, s, types.CreateInput{Title: "pending"})

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if s.Dirty() {
		t.Error("Dirty() = true after Reload")
	}
	if n := countOnDisk(t, path, `SELECT COUNT(*) FROM issues WHERE id = ?`, id); n != 1 {
		t.Errorf("item on disk = %d, want 1", n)
	}
	if _, err := s.GetItem(ctx, id); err != nil {
		t.Errorf("GetItem() after Reload failed: %v", err)
	}
}

// TestReload_ConcurrentMutationsKept tests that edits racing a reload are
// neither lost nor reverted by the swap
func TestReload_ConcurrentMutationsKept(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, func(c *Config) {
		c.SaveDebounce = 20 * time.Millisecond
	})
	id := mustCreate(t, s, types.CreateInput{Title: "busy"})

	const n = 40
	var wg sync.WaitGroup
	addErrs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			addErrs <- s.AddLabel(ctx, id, fmt.Sprintf("l%d", i))
		}(i)
		go func() {
			defer wg.Done()
			_ = s.Reload(ctx)
		}()
	}
	wg.Wait()
	close(addErrs)
	for err := range addErrs {
		if err != nil {
			t.Fatalf("AddLabel() failed: %v", err)
		}
	}

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	it, err := s.GetItem(ctx, id)
	if err != nil {
		t.Fatalf("GetItem() failed: %v", err)
	}
	if len(it.Labels) != n {
		t.Errorf("labels after concurrent reloads = %d, want %d", len(it.Labels), n)
	}
}

// TestReload_AbortsOnFailedFlush tests that a reload keeps the working copy when the flush fails
func TestReload_AbortsOnFailedFlush(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	s.replaceFile = func(src, dst string) error { return errors.New("read-only file system") }
	id := mustCreate(t, s, types.CreateInput{Title: "pending"})

	if err := s.Reload(ctx); err == nil {
		t.Fatal("Reload() succeeded with a failing flush")
	}
	if _, err := s.GetItem(ctx, id); err != nil {
		t.Errorf("GetItem() after aborted Reload failed: %v", err)
	}
	s.replaceFile = natomic.ReplaceFile
}

// TestClose_Flushes tests that Close persists pending edits
func TestClose_Flushes(t *testing.T) {
	s, path := newTestStore(t, nil)
	mustCreate(t, s, types.CreateInput{Title: "pending"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if n := countOnDisk(t, path, `SELECT COUNT(*) FROM issues`); n != 1 {
		t.Errorf("issues on disk = %d, want 1", n)
	}
}
