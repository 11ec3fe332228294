package types

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/beadsboard/internal/errs"
)

// TestClassify_Total checks that every combination lands in a known column.
func TestClassify_Total(t *testing.T) {
	statuses := []Status{StatusOpen, StatusInProgress, StatusBlocked, StatusClosed, "deferred", ""}
	for _, st := range statuses {
		for _, ready := range []bool{false, true} {
			for _, n := range []int{0, 1, 7} {
				got := Classify(st, ready, n)
				if _, err := ParseColumn(string(got)); err != nil {
					t.Errorf("Classify(%q, %v, %d) = %q, not a column", st, ready, n, got)
				}
			}
		}
	}
}

func TestClassify_Rules(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		ready   bool
		blocked int
		want    Column
	}{
		{"closed wins over ready", StatusClosed, true, 0, ColumnClosed},
		{"closed wins over blockers", StatusClosed, false, 3, ColumnClosed},
		{"ready open item", StatusOpen, true, 0, ColumnReady},
		{"in progress", StatusInProgress, false, 0, ColumnInProgress},
		{"ready beats in progress", StatusInProgress, true, 0, ColumnReady},
		{"explicit blocked status", StatusBlocked, false, 0, ColumnBlocked},
		{"open with blocker", StatusOpen, false, 2, ColumnBlocked},
		{"in progress with blocker", StatusInProgress, false, 2, ColumnInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.status, tt.ready, tt.blocked); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestClassify_ScenarioReady is an open, ready item with no blockers.
func TestClassify_ScenarioReady(t *testing.T) {
	if got := Classify(StatusOpen, true, 0); got != ColumnReady {
		t.Errorf("Classify(open, ready, 0) = %q, want ready", got)
	}
}

// TestClassify_OpenNotReadyFallback covers the catch-all: an open item the
// store does not consider ready but with no direct blocker (for example a
// child of a blocked epic) is shown as blocked.
func TestClassify_OpenNotReadyFallback(t *testing.T) {
	if got := Classify(StatusOpen, false, 0); got != ColumnBlocked {
		t.Errorf("Classify(open, not ready, 0) = %q, want blocked", got)
	}
}

func TestParseColumn_Unknown(t *testing.T) {
	_, err := ParseColumn("backlog")
	if err == nil {
		t.Fatal("ParseColumn(backlog) succeeded, want error")
	}
	if !errs.Is(err, errs.KindValidation) {
		t.Errorf("kind = %v, want validation", errs.KindOf(err))
	}
}

func TestBuildRelations(t *testing.T) {
	edges := []Dependency{
		{From: "bd-epic", To: "bd-a", Type: DepParentChild},
		{From: "bd-epic", To: "bd-b", Type: DepParentChild},
		{From: "bd-a", To: "bd-b", Type: DepBlocks},
		{From: "bd-c", To: "bd-b", Type: DepBlocks},
		{From: "bd-c", To: "bd-b", Type: DepBlocks},
		{From: "bd-x", To: "bd-y", Type: "related"},
	}
	rel := BuildRelations(edges)

	if rel.Parent["bd-a"] != "bd-epic" || rel.Parent["bd-b"] != "bd-epic" {
		t.Errorf("Parent = %v", rel.Parent)
	}
	if diff := cmp.Diff([]string{"bd-a", "bd-b"}, rel.Children["bd-epic"]); diff != "" {
		t.Errorf("Children mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bd-a", "bd-c"}, rel.BlockedBy["bd-b"]); diff != "" {
		t.Errorf("BlockedBy mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bd-b"}, rel.Blocks["bd-c"]); diff != "" {
		t.Errorf("Blocks mismatch (-want +got):\n%s", diff)
	}
	if _, ok := rel.Parent["bd-y"]; ok {
		t.Error("unknown edge type produced a relation")
	}
}

func TestNewBoard_Counts(t *testing.T) {
	items := []*Item{
		{ID: "a", Status: StatusOpen, IsReady: true},
		{ID: "b", Status: StatusInProgress},
		{ID: "c", Status: StatusOpen, BlockedByCount: 1},
		{ID: "d", Status: StatusClosed},
		{ID: "e", Status: StatusOpen},
	}
	b := NewBoard(items, time.Now())
	want := map[Column]int{ColumnReady: 1, ColumnInProgress: 1, ColumnBlocked: 2, ColumnClosed: 1}
	if diff := cmp.Diff(want, b.Counts); diff != "" {
		t.Errorf("Counts mismatch (-want +got):\n%s", diff)
	}
	if got := len(b.ColumnItems(ColumnBlocked)); got != 2 {
		t.Errorf("ColumnItems(blocked) = %d items, want 2", got)
	}
}

func TestPage(t *testing.T) {
	items := make([]*Item, 5)
	for i := range items {
		items[i] = &Item{ID: string(rune('a' + i))}
	}

	p := Page(ColumnReady, items, 0, 2)
	if len(p.Items) != 2 || !p.HasMore || p.TotalCount != 5 {
		t.Errorf("first page = %d items, hasMore=%v, total=%d", len(p.Items), p.HasMore, p.TotalCount)
	}
	p = Page(ColumnReady, items, 4, 2)
	if len(p.Items) != 1 || p.HasMore {
		t.Errorf("last page = %d items, hasMore=%v", len(p.Items), p.HasMore)
	}
	p = Page(ColumnReady, items, 10, 2)
	if len(p.Items) != 0 || p.HasMore {
		t.Errorf("past end = %d items, hasMore=%v", len(p.Items), p.HasMore)
	}
}

func TestSortItems(t *testing.T) {
	now := time.Now()
	items := []*Item{
		{ID: "low", Priority: 3, UpdatedAt: now},
		{ID: "old", Priority: 1, UpdatedAt: now.Add(-time.Hour)},
		{ID: "new", Priority: 1, UpdatedAt: now},
	}
	SortItems(items)
	var got []string
	for _, it := range items {
		got = append(got, it.ID)
	}
	if diff := cmp.Diff([]string{"new", "old", "low"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeLabels(t *testing.T) {
	got := NormalizeLabels([]string{"ui", " backend", "ui", "", "api"})
	if diff := cmp.Diff([]string{"api", "backend", "ui"}, got); diff != "" {
		t.Errorf("NormalizeLabels mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateInput_Normalize(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	in := CreateInput{Title: "  Fix login  ", Labels: []string{"b", "a", "b"}, Due: "2026-03-10"}
	if err := in.Normalize(now); err != nil {
		t.Fatalf("Normalize() failed: %v", err)
	}
	if in.Title != "Fix login" {
		t.Errorf("Title = %q", in.Title)
	}
	if in.IssueType != DefaultIssueType || *in.Priority != DefaultPriority || in.Status != StatusOpen {
		t.Errorf("defaults not applied: %+v", in)
	}
	if in.DueAt == nil || in.DueAt.Day() != 10 {
		t.Errorf("DueAt = %v, want March 10", in.DueAt)
	}

	bad := CreateInput{Title: "   "}
	if err := bad.Normalize(now); !errs.Is(err, errs.KindValidation) {
		t.Errorf("empty title error = %v, want validation", err)
	}
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	got, err := ParseWhen("tomorrow", now)
	if err != nil {
		t.Fatalf("ParseWhen(tomorrow) failed: %v", err)
	}
	if got.YearDay() != now.YearDay()+1 {
		t.Errorf("tomorrow = %v", got)
	}

	if got, err := ParseWhen("", now); got != nil || err != nil {
		t.Errorf("ParseWhen(\"\") = %v, %v", got, err)
	}

	if _, err := ParseWhen("gibberish words", now); !errs.Is(err, errs.KindValidation) {
		t.Errorf("ParseWhen(gibberish) error = %v, want validation", err)
	}
}

func TestPatch_Validate(t *testing.T) {
	var p Patch
	if err := p.Validate(); err == nil {
		t.Error("empty patch validated")
	}
	blank := "  "
	p = Patch{Title: &blank}
	if err := p.Validate(); err == nil {
		t.Error("blank title validated")
	}
	prio := 9
	p = Patch{Priority: &prio}
	if err := p.Validate(); err == nil {
		t.Error("priority 9 validated")
	}
}
