// Package types defines the board data model shared by the adapters, the
// bridge and the client.
package types

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/steveyegge/beadsboard/internal/errs"
)

// Status is the lifecycle state of an item as stored by beads.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// IsValid reports whether s is one of the statuses the board can write.
// Stores may contain other statuses (deferred, pinned); those are read
// and classified but never written.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed:
		return true
	}
	return false
}

// ParseStatus validates a status coming from the UI.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(s))
	if !st.IsValid() {
		return "", errs.Validation("status", "unknown status %q", s)
	}
	return st, nil
}

// DependencyType is the kind of a dependency edge.
type DependencyType string

const (
	// DepBlocks means From blocks To.
	DepBlocks DependencyType = "blocks"
	// DepParentChild means From is the parent of To.
	DepParentChild DependencyType = "parent-child"
)

// IsValid reports whether d is a kind the board understands.
func (d DependencyType) IsValid() bool {
	return d == DepBlocks || d == DepParentChild
}

// Dependency is a directed edge between two items.
type Dependency struct {
	From string         `json:"from" validate:"required,max=128"`
	To   string         `json:"to" validate:"required,max=128,nefield=From"`
	Type DependencyType `json:"type" validate:"required,oneof=blocks parent-child"`
}

// Validate checks the edge independently of any store.
func (d Dependency) Validate() error {
	if d.From == "" || d.To == "" {
		return errs.Validation("dependency", "both endpoints are required")
	}
	if d.From == d.To {
		return errs.Validation("dependency", "item %s cannot depend on itself", d.From)
	}
	if !d.Type.IsValid() {
		return errs.Validation("dependency", "unknown dependency type %q", d.Type)
	}
	return nil
}

// Comment is a note attached to an item.
type Comment struct {
	ID        int64     `json:"id"`
	ItemID    string    `json:"itemId"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Item is one tracked unit of work. Fields are grouped by the client cache
// tier that first carries them.
type Item struct {
	// summary
	ID             string `json:"id"`
	Title          string `json:"title"`
	Status         Status `json:"status"`
	Priority       int    `json:"priority"`
	IssueType      string `json:"issueType"`
	Column         Column `json:"column"`
	IsReady        bool   `json:"isReady"`
	BlockedByCount int    `json:"blockedByCount"`
	ChildCount     int    `json:"childCount"`
	BlocksCount    int    `json:"blocksCount"`
	CommentCount   int    `json:"commentCount"`
	Pinned         bool   `json:"pinned,omitempty"`

	// enriched
	Labels     []string   `json:"labels,omitempty"`
	Assignee   string     `json:"assignee,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	DueAt      *time.Time `json:"dueAt,omitempty"`
	DeferUntil *time.Time `json:"deferUntil,omitempty"`
	IsTemplate bool       `json:"isTemplate,omitempty"`
	Ephemeral  bool       `json:"ephemeral,omitempty"`

	// full
	Description        string          `json:"description,omitempty"`
	Design             string          `json:"design,omitempty"`
	AcceptanceCriteria string          `json:"acceptanceCriteria,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	ExternalRef        string          `json:"externalRef,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Parent             string          `json:"parent,omitempty"`
	Children           []string        `json:"children,omitempty"`
	Blocks             []string        `json:"blocks,omitempty"`
	BlockedBy          []string        `json:"blockedBy,omitempty"`
	Comments           []Comment       `json:"comments,omitempty"`
}

// Classify sets Column from the item's status and blocking state.
func (it *Item) Classify() {
	it.Column = Classify(it.Status, it.IsReady, it.BlockedByCount)
}

// ApplyRelations copies the item's relationships out of rel and refreshes
// the derived counts.
func (it *Item) ApplyRelations(rel *Relations) {
	it.Parent = rel.Parent[it.ID]
	it.Children = rel.Children[it.ID]
	it.Blocks = rel.Blocks[it.ID]
	it.BlockedBy = rel.BlockedBy[it.ID]
	it.ChildCount = len(it.Children)
	it.BlocksCount = len(it.Blocks)
}

// NormalizeLabels deduplicates and sorts labels in place.
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Board is a full snapshot of every item the adapter can see.
type Board struct {
	Items       []*Item        `json:"items"`
	Counts      map[Column]int `json:"counts"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// NewBoard classifies items and computes per-column counts.
func NewBoard(items []*Item, now time.Time) *Board {
	b := &Board{Items: items, Counts: make(map[Column]int, len(Columns)), GeneratedAt: now}
	for _, c := range Columns {
		b.Counts[c] = 0
	}
	for _, it := range items {
		it.Classify()
		b.Counts[it.Column]++
	}
	return b
}

// ColumnItems returns the items of one column in board order.
func (b *Board) ColumnItems(col Column) []*Item {
	var out []*Item
	for _, it := range b.Items {
		if it.Column == col {
			out = append(out, it)
		}
	}
	return out
}

// Find returns the item with the given id, or nil.
func (b *Board) Find(id string) *Item {
	for _, it := range b.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// ColumnPage is one paginated slice of a column.
type ColumnPage struct {
	Column     Column  `json:"column"`
	Items      []*Item `json:"items"`
	Offset     int     `json:"offset"`
	Limit      int     `json:"limit"`
	TotalCount int     `json:"totalCount"`
	HasMore    bool    `json:"hasMore"`
}

// Page slices items into a ColumnPage. Offsets past the end yield an empty
// page with HasMore false.
func Page(col Column, items []*Item, offset, limit int) *ColumnPage {
	total := len(items)
	start := min(max(offset, 0), total)
	end := total
	if limit > 0 {
		end = min(start+limit, total)
	}
	return &ColumnPage{
		Column:     col,
		Items:      items[start:end],
		Offset:     offset,
		Limit:      limit,
		TotalCount: total,
		HasMore:    end < total,
	}
}

// SortItems orders items the way every column is displayed: priority
// ascending, then most recently updated first, then id.
func SortItems(items []*Item) {
	slices.SortStableFunc(items, func(a, b *Item) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
