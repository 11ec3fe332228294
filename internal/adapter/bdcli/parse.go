package bdcli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/steveyegge/beadsboard/internal/types"
)

// issue is the subset of bd's JSON issue shape the board reads. It covers
// list, ready, blocked and show output; fields a command does not emit stay
// zero.
type issue struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Design             string          `json:"design"`
	AcceptanceCriteria string          `json:"acceptance_criteria"`
	Notes              string          `json:"notes"`
	Status             string          `json:"status"`
	Priority           int             `json:"priority"`
	IssueType          string          `json:"issue_type"`
	Assignee           string          `json:"assignee"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ClosedAt           *time.Time      `json:"closed_at"`
	DueAt              *time.Time      `json:"due_at"`
	DeferUntil         *time.Time      `json:"defer_until"`
	ExternalRef        *string         `json:"external_ref"`
	Pinned             bool            `json:"pinned"`
	IsTemplate         bool            `json:"is_template"`
	Ephemeral          bool            `json:"ephemeral"`
	Metadata           json.RawMessage `json:"metadata"`
	Labels             []string        `json:"labels"`

	// blocked
	BlockedByCount int      `json:"blocked_by_count"`
	BlockedBy      []string `json:"blocked_by"`

	// show
	Dependents []dependent `json:"dependents"`
	Comments   []comment   `json:"comments"`
}

type dependent struct {
	ID             string `json:"id"`
	DependencyType string `json:"dependency_type"`
}

type comment struct {
	ID        int64     `json:"id"`
	IssueID   string    `json:"issue_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// toItem converts a bd issue to a board item. Derived fields are filled in
// by the caller.
func (is *issue) toItem() *types.Item {
	it := &types.Item{
		ID:                 is.ID,
		Title:              is.Title,
		Status:             types.Status(is.Status),
		Priority:           is.Priority,
		IssueType:          is.IssueType,
		Assignee:           is.Assignee,
		CreatedAt:          is.CreatedAt,
		UpdatedAt:          is.UpdatedAt,
		ClosedAt:           is.ClosedAt,
		DueAt:              is.DueAt,
		DeferUntil:         is.DeferUntil,
		Pinned:             is.Pinned,
		IsTemplate:         is.IsTemplate,
		Ephemeral:          is.Ephemeral,
		Description:        is.Description,
		Design:             is.Design,
		AcceptanceCriteria: is.AcceptanceCriteria,
		Notes:              is.Notes,
		Labels:             types.NormalizeLabels(is.Labels),
		CommentCount:       len(is.Comments),
	}
	if it.IssueType == "" {
		it.IssueType = types.DefaultIssueType
	}
	if it.Status == "" {
		it.Status = types.StatusOpen
	}
	if is.ExternalRef != nil {
		it.ExternalRef = *is.ExternalRef
	}
	if len(is.Metadata) > 0 && !bytes.Equal(is.Metadata, []byte("null")) && json.Valid(is.Metadata) {
		it.Metadata = is.Metadata
	}
	for _, c := range is.Comments {
		it.Comments = append(it.Comments, types.Comment{
			ID:        c.ID,
			ItemID:    is.ID,
			Author:    c.Author,
			Text:      c.Text,
			CreatedAt: c.CreatedAt,
		})
	}
	if len(it.Labels) == 0 {
		it.Labels = nil
	}
	return it
}

// edges returns the relationships recorded on a shown issue. A dependent D
// of type blocks means this issue blocks D; of type parent-child, this
// issue is D's parent.
func (is *issue) edges() []types.Dependency {
	var out []types.Dependency
	for _, d := range is.Dependents {
		typ := types.DependencyType(d.DependencyType)
		if !typ.IsValid() || d.ID == "" {
			continue
		}
		out = append(out, types.Dependency{From: is.ID, To: d.ID, Type: typ})
	}
	return out
}

// parseIssues decodes a JSON array of issues, or a single issue object as
// older bd show versions print for one id. Empty output is no issues.
func parseIssues(out []byte) ([]issue, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 || bytes.Equal(out, []byte("null")) {
		return nil, nil
	}
	if out[0] == '{' {
		var one issue
		if err := json.Unmarshal(out, &one); err != nil {
			return nil, fmt.Errorf("failed to parse bd output: %w", err)
		}
		return []issue{one}, nil
	}
	var many []issue
	if err := json.Unmarshal(out, &many); err != nil {
		return nil, fmt.Errorf("failed to parse bd output: %w", err)
	}
	return many, nil
}

var createdPattern = regexp.MustCompile(`(?i)created issue:?\s+([A-Za-z0-9][A-Za-z0-9._-]*)`)

// parseCreatedID extracts the new id from bd create output, JSON or the
// human-readable confirmation.
func parseCreatedID(out []byte) (string, error) {
	if issues, err := parseIssues(out); err == nil && len(issues) > 0 && issues[0].ID != "" {
		return issues[0].ID, nil
	}
	if m := createdPattern.FindSubmatch(out); m != nil {
		return string(m[1]), nil
	}
	return "", fmt.Errorf("bd create did not report an id")
}

// mutationMessage describes the outcome of a mutation whose output is not
// JSON. bd prints confirmations such as "✓ Closed bd-1" to stdout.
func mutationMessage(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return ""
	}
	if json.Valid(out) {
		return ""
	}
	return SanitizeText(string(out), false)
}

type versionInfo struct {
	Version string `json:"version"`
}

var versionPattern = regexp.MustCompile(`v?(\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?)`)

// parseVersion reads `bd version --json`, falling back to the plain text
// form "bd version 0.30.2 (abc123)".
func parseVersion(out []byte) (string, error) {
	var v versionInfo
	if err := json.Unmarshal(bytes.TrimSpace(out), &v); err == nil && v.Version != "" {
		out = []byte(v.Version)
	}
	m := versionPattern.FindSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("cannot read bd version from %q", truncate(string(bytes.TrimSpace(out)), 60))
	}
	return "v" + string(m[1]), nil
}
