package bdcli

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/beadsboard/internal/types"
)

// TestSanitizeText tests control character stripping and whitespace
// handling
func TestSanitizeText(t *testing.T) {
	tests := []struct {
		in        string
		multiline bool
		want      string
	}{
		{"plain", false, "plain"},
		{"  a \t b\n c ", false, "a b c"},
		{"line1\nline2\tx", true, "line1\nline2\tx"},
		{"bell\x07 nul\x00 esc\x1b[31m", false, "bell nul esc[31m"},
		{"\x00\x01", false, ""},
	}
	for _, tt := range tests {
		if got := SanitizeText(tt.in, tt.multiline); got != tt.want {
			t.Errorf("SanitizeText(%q, %v) = %q, want %q", tt.in, tt.multiline, got, tt.want)
		}
	}
}

// TestValidateID tests id acceptance
func TestValidateID(t *testing.T) {
	for _, id := range []string{"bd-1", "bd-a1b2c3", "proj.sub-12", "X_9"} {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) failed: %v", id, err)
		}
	}
	for _, id := range []string{"", "-x", "--help", "a b", "a;rm", "bd-1\n", string(make([]byte, 200))} {
		if err := ValidateID(id); err == nil {
			t.Errorf("ValidateID(%q) succeeded, want error", id)
		}
	}
}

// TestValidateLabel tests label acceptance
func TestValidateLabel(t *testing.T) {
	for _, l := range []string{"ui", "area:backend", "v1.2", "c++"} {
		if err := ValidateLabel(l); err != nil {
			t.Errorf("ValidateLabel(%q) failed: %v", l, err)
		}
	}
	for _, l := range []string{"", "-x", "two words", "a,b"} {
		if err := ValidateLabel(l); err == nil {
			t.Errorf("ValidateLabel(%q) succeeded, want error", l)
		}
	}
}

// TestParseIssues tests array, object and empty output
func TestParseIssues(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want []string
	}{
		{"empty", "", nil},
		{"null", "null\n", nil},
		{"array", `[{"id":"bd-1"},{"id":"bd-2"}]`, []string{"bd-1", "bd-2"}},
		{"object", `{"id":"bd-3","title":"t"}`, []string{"bd-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues, err := parseIssues([]byte(tt.out))
			if err != nil {
				t.Fatalf("parseIssues() failed: %v", err)
			}
			var got []string
			for _, is := range issues {
				got = append(got, is.ID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if _, err := parseIssues([]byte("Error: boom")); err == nil {
		t.Error("parseIssues() of text succeeded, want error")
	}
}

// TestToItem tests conversion of a shown issue
func TestToItem(t *testing.T) {
	ref := "gh-12"
	is := issue{
		ID:          "bd-1",
		Title:       "T",
		Labels:      []string{"b", "a", "a"},
		ExternalRef: &ref,
		Metadata:    []byte(`{"k":1}`),
		Comments:    []comment{{ID: 1, Text: "x"}},
		Dependents: []dependent{
			{ID: "bd-2", DependencyType: "blocks"},
			{ID: "bd-3", DependencyType: "related"},
		},
	}
	it := is.toItem()
	if it.Status != types.StatusOpen || it.IssueType != types.DefaultIssueType {
		t.Errorf("defaults not applied: status %q type %q", it.Status, it.IssueType)
	}
	if diff := cmp.Diff([]string{"a", "b"}, it.Labels); diff != "" {
		t.Errorf("Labels mismatch (-want +got):\n%s", diff)
	}
	if it.ExternalRef != "gh-12" || string(it.Metadata) != `{"k":1}` || it.CommentCount != 1 {
		t.Errorf("toItem() = %+v", it)
	}
	want := []types.Dependency{{From: "bd-1", To: "bd-2", Type: types.DepBlocks}}
	if diff := cmp.Diff(want, is.edges()); diff != "" {
		t.Errorf("edges() mismatch (-want +got):\n%s", diff)
	}
}

// TestParseCreatedID tests JSON and text create output
func TestParseCreatedID(t *testing.T) {
	tests := []struct {
		out  string
		want string
	}{
		{`{"id":"bd-7f2a","title":"x"}`, "bd-7f2a"},
		{"✓ Created issue: bd-9\n  Title: x", "bd-9"},
	}
	for _, tt := range tests {
		got, err := parseCreatedID([]byte(tt.out))
		if err != nil {
			t.Fatalf("parseCreatedID(%q) failed: %v", tt.out, err)
		}
		if got != tt.want {
			t.Errorf("parseCreatedID(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
	if _, err := parseCreatedID([]byte("ok")); err == nil {
		t.Error("parseCreatedID(ok) succeeded, want error")
	}
}

// TestParseVersion tests JSON and text version output
func TestParseVersion(t *testing.T) {
	tests := []struct {
		out  string
		want string
	}{
		{`{"version":"0.30.2","build":"abc"}`, "v0.30.2"},
		{"bd version 0.31.0 (abc123)", "v0.31.0"},
		{"bd version v1.0.0-rc.1", "v1.0.0-rc.1"},
	}
	for _, tt := range tests {
		got, err := parseVersion([]byte(tt.out))
		if err != nil {
			t.Fatalf("parseVersion(%q) failed: %v", tt.out, err)
		}
		if got != tt.want {
			t.Errorf("parseVersion(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

// TestMutationMessage tests confirmation text handling
func TestMutationMessage(t *testing.T) {
	if got := mutationMessage([]byte(`{"id":"bd-1"}`)); got != "" {
		t.Errorf("mutationMessage(json) = %q, want empty", got)
	}
	if got := mutationMessage([]byte("✓ Closed bd-1\n")); got != "✓ Closed bd-1" {
		t.Errorf("mutationMessage(text) = %q", got)
	}
}
