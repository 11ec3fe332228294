package migrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/beadsboard/internal/adapter/sqlite"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/types"
)

const sampleJSONL = `{"id":"bd-1","title":"Epic","issue_type":"epic","priority":1,"status":"open","created_at":"2026-01-01T10:00:00Z","updated_at":"2026-01-02T10:00:00Z","labels":["ui","ui","api"]}
{"id":"bd-2","title":"Child task","description":"do it","priority":2,"status":"open","created_at":"2026-01-01T11:00:00Z","updated_at":"2026-01-01T11:00:00Z","dependencies":[{"issue_id":"bd-2","depends_on_id":"bd-1","type":"parent-child","created_at":"2026-01-01T11:00:00Z"},{"issue_id":"bd-2","depends_on_id":"bd-3","type":"blocks","created_at":"2026-01-01T11:00:00Z"}],"comments":[{"author":"ana","text":"first","created_at":"2026-01-01T12:00:00Z"}]}

{"id":"bd-3","title":"Blocker","priority":0,"status":"in_progress","created_at":"2026-01-01T09:00:00Z","updated_at":"2026-01-01T09:00:00Z","dependencies":[{"issue_id":"bd-3","depends_on_id":"bd-gone","type":"blocks"}]}
{"id":"bd-4","title":"Deleted","status":"tombstone","created_at":"2026-01-01T09:00:00Z","updated_at":"2026-01-01T09:00:00Z"}
`

func writeExport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write export: %v", err)
	}
	return path
}

// TestReadJSONL tests parsing, defaults and blank lines
func TestReadJSONL(t *testing.T) {
	records, err := ReadJSONL(strings.NewReader(sampleJSONL + `{"id":"bd-5","title":"Sparse"}` + "\n"))
	if err != nil {
		t.Fatalf("ReadJSONL() failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("ReadJSONL() = %d records, want 5", len(records))
	}
	sparse := records[4]
	if sparse.Status != "open" || sparse.IssueType != "task" || sparse.CreatedAt.IsZero() || !sparse.UpdatedAt.Equal(sparse.CreatedAt) {
		t.Errorf("defaults not applied: %+v", sparse)
	}
	if !records[3].IsTombstone() || records[0].IsTombstone() {
		t.Error("tombstone detection wrong")
	}

	_, err = ReadJSONL(strings.NewReader("{\"id\":\"bd-1\"}\n{not json}\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("ReadJSONL(bad) error = %v, want line 2", err)
	}
	if _, err := ReadJSONL(strings.NewReader(`{"title":"no id"}`)); err == nil {
		t.Error("ReadJSONL() accepted a record without id")
	}
}

// TestImport tests a full import into a store the board can open
func TestImport(t *testing.T) {
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), ".beads", "beads.db")
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatal(err)
	}

	res, err := Import(ctx, Options{FromJSONL: writeExport(t, sampleJSONL), To: dest})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	want := &Result{
		ItemsImported:     3,
		TombstonesSkipped: 1,
		DepsCreated:       2,
		LabelsCreated:     2,
		CommentsCreated:   1,
		Errors:            []string{"skipped dependency bd-3 -> bd-gone: endpoint not in export"},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Import() mismatch (-want +got):\n%s", diff)
	}

	store, err := sqlite.Open(ctx, sqlite.Config{Path: dest, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	board, err := store.GetBoard(ctx)
	if err != nil {
		t.Fatalf("GetBoard() failed: %v", err)
	}
	if len(board.Items) != 3 || board.Find("bd-4") != nil {
		t.Errorf("board has %d items", len(board.Items))
	}
	if got := board.Find("bd-2").Column; got != types.ColumnBlocked {
		t.Errorf("bd-2 column = %s, want blocked", got)
	}

	it, err := store.GetItem(ctx, "bd-2")
	if err != nil {
		t.Fatalf("GetItem() failed: %v", err)
	}
	if it.Parent != "bd-1" || !cmp.Equal(it.BlockedBy, []string{"bd-3"}) || it.Description != "do it" {
		t.Errorf("bd-2 = parent %q blockedBy %v description %q", it.Parent, it.BlockedBy, it.Description)
	}
	if len(it.Comments) != 1 || it.Comments[0].Author != "ana" || it.Comments[0].Text != "first" {
		t.Errorf("comments = %+v", it.Comments)
	}
	if !it.CreatedAt.Equal(time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", it.CreatedAt)
	}

	epic, err := store.GetItem(ctx, "bd-1")
	if err != nil {
		t.Fatalf("GetItem() failed: %v", err)
	}
	if !cmp.Equal(epic.Labels, []string{"api", "ui"}) || !cmp.Equal(epic.Children, []string{"bd-2"}) {
		t.Errorf("bd-1 = labels %v children %v", epic.Labels, epic.Children)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(dest), ".beads.db.import-*"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

// TestImport_DryRun tests that a dry run counts the same and writes nothing
func TestImport_DryRun(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "beads.db")
	res, err := Import(context.Background(), Options{FromJSONL: writeExport(t, sampleJSONL), To: dest, DryRun: true})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.ItemsImported != 3 || res.DepsCreated != 2 || res.LabelsCreated != 2 || len(res.Errors) != 1 {
		t.Errorf("dry run result = %+v", res)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("dry run created %s", dest)
	}
}

// TestImport_Existing tests the force and backup options
func TestImport_Existing(t *testing.T) {
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "beads.db")
	if err := sqlite.Create(ctx, dest, "old"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	export := writeExport(t, sampleJSONL)

	if _, err := Import(ctx, Options{FromJSONL: export, To: dest}); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("Import() over existing store error = %v, want force hint", err)
	}

	res, err := Import(ctx, Options{FromJSONL: export, To: dest, Force: true, Backup: true})
	if err != nil {
		t.Fatalf("Import(force) failed: %v", err)
	}
	if res.BackupCreated == "" {
		t.Fatal("no backup created")
	}
	if _, err := os.Stat(res.BackupCreated); err != nil {
		t.Errorf("backup missing: %v", err)
	}
}

// TestImport_Empty tests that an export without live items is refused
func TestImport_Empty(t *testing.T) {
	export := writeExport(t, `{"id":"bd-1","title":"x","status":"tombstone"}`+"\n")
	_, err := Import(context.Background(), Options{FromJSONL: export, To: filepath.Join(t.TempDir(), "beads.db")})
	if !errors.Is(err, ErrNothingToImport) {
		t.Errorf("Import() error = %v, want ErrNothingToImport", err)
	}
}
