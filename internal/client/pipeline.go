package client

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/steveyegge/beadsboard/internal/types"
)

// Filter selects items. Zero fields match everything.
type Filter struct {
	// Priority matches items of exactly this priority.
	Priority *int

	// Type matches items of exactly this issue type.
	Type string

	// Statuses matches items whose status is any of these.
	Statuses []types.Status

	// Search is a case-insensitive substring of the title, description,
	// id or any label.
	Search string

	// description supplies lowercased description text for items whose
	// copy does not carry it. Session sets it from the cache.
	description func(id string) string
}

// Match reports whether it passes every set predicate.
func (f *Filter) Match(it *types.Item) bool {
	if f.Priority != nil && it.Priority != *f.Priority {
		return false
	}
	if f.Type != "" && it.IssueType != f.Type {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, it.Status) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		return f.matchesSearch(it, q)
	}
	return true
}

func (f *Filter) matchesSearch(it *types.Item, q string) bool {
	if strings.Contains(strings.ToLower(it.Title), q) ||
		strings.Contains(strings.ToLower(it.Description), q) ||
		strings.Contains(strings.ToLower(it.ID), q) {
		return true
	}
	if it.Description == "" && f.description != nil && strings.Contains(f.description(it.ID), q) {
		return true
	}
	for _, l := range it.Labels {
		if strings.Contains(strings.ToLower(l), q) {
			return true
		}
	}
	return false
}

// Field names a sortable or groupable item attribute.
type Field string

const (
	FieldID       Field = "id"
	FieldTitle    Field = "title"
	FieldStatus   Field = "status"
	FieldPriority Field = "priority"
	FieldType     Field = "type"
	FieldAssignee Field = "assignee"
	FieldColumn   Field = "column"
	FieldCreated  Field = "created"
	FieldUpdated  Field = "updated"
)

// Direction is a sort direction.
type Direction int

const (
	Unsorted Direction = iota
	Ascending
	Descending
)

// SortKey is one level of a sort.
type SortKey struct {
	Field     Field
	Direction Direction
}

// Sort is an ordered list of keys. The first key is the primary column.
type Sort struct {
	// Multi keeps secondary keys when another column is clicked.
	Multi bool
	Keys  []SortKey
}

// Toggle applies a click on field's header.
//
// The primary column cycles none, ascending, descending, none. A secondary
// column flips between ascending and descending. In single mode a click on
// a new column replaces the sort; in multi mode it appends a secondary key.
func (s *Sort) Toggle(field Field) {
	i := slices.IndexFunc(s.Keys, func(k SortKey) bool { return k.Field == field })
	switch {
	case i == 0:
		if s.Keys[0].Direction == Ascending {
			s.Keys[0].Direction = Descending
			return
		}
		s.Keys = slices.Delete(s.Keys, 0, 1)
	case i > 0:
		if s.Keys[i].Direction == Ascending {
			s.Keys[i].Direction = Descending
		} else {
			s.Keys[i].Direction = Ascending
		}
	case s.Multi && len(s.Keys) > 0:
		s.Keys = append(s.Keys, SortKey{Field: field, Direction: Ascending})
	default:
		s.Keys = []SortKey{{Field: field, Direction: Ascending}}
	}
}

// Direction returns the current direction of field.
func (s *Sort) Direction(field Field) Direction {
	for _, k := range s.Keys {
		if k.Field == field {
			return k.Direction
		}
	}
	return Unsorted
}

// Apply sorts items in place. With no keys the input order is kept.
func (s *Sort) Apply(items []*types.Item) {
	if len(s.Keys) == 0 {
		return
	}
	slices.SortStableFunc(items, func(a, b *types.Item) int {
		for _, k := range s.Keys {
			c := compareField(a, b, k.Field)
			if k.Direction == Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

var statusOrder = map[types.Status]int{
	types.StatusOpen:       0,
	types.StatusInProgress: 1,
	types.StatusBlocked:    2,
	types.StatusClosed:     3,
}

func columnOrder(c types.Column) int {
	return slices.Index(types.Columns, c)
}

func compareField(a, b *types.Item, f Field) int {
	switch f {
	case FieldID:
		return strings.Compare(a.ID, b.ID)
	case FieldTitle:
		return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	case FieldStatus:
		return cmp.Compare(statusOrder[a.Status], statusOrder[b.Status])
	case FieldPriority:
		return cmp.Compare(a.Priority, b.Priority)
	case FieldType:
		return strings.Compare(a.IssueType, b.IssueType)
	case FieldAssignee:
		return strings.Compare(a.Assignee, b.Assignee)
	case FieldColumn:
		return cmp.Compare(columnOrder(a.Column), columnOrder(b.Column))
	case FieldCreated:
		return a.CreatedAt.Compare(b.CreatedAt)
	case FieldUpdated:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	}
	return 0
}

// Group is one bucket of a grouped view.
type Group struct {
	Key   string
	Items []*types.Item
}

// groupKey returns the bucket of it under field, and a rank ordering the
// buckets.
func groupKey(it *types.Item, f Field) (string, int) {
	switch f {
	case FieldColumn:
		return string(it.Column), columnOrder(it.Column)
	case FieldStatus:
		return string(it.Status), statusOrder[it.Status]
	case FieldPriority:
		return "P" + strconv.Itoa(it.Priority), it.Priority
	case FieldType:
		return it.IssueType, 0
	case FieldAssignee:
		return it.Assignee, 0
	}
	return "", 0
}

// Pipeline filters, sorts and groups cached items without a round trip.
type Pipeline struct {
	Filter Filter
	Sort   Sort

	// GroupBy is one of column, status, priority, type or assignee. Empty
	// puts everything in one group.
	GroupBy Field
}

// Run applies the pipeline to items. The input slice is not modified.
// Groups are ordered by board order for column, status and priority, and
// alphabetically otherwise with the empty key last.
func (p *Pipeline) Run(items []*types.Item) []Group {
	var matched []*types.Item
	for _, it := range items {
		if p.Filter.Match(it) {
			matched = append(matched, it)
		}
	}
	p.Sort.Apply(matched)

	if p.GroupBy == "" {
		return []Group{{Items: matched}}
	}

	type bucket struct {
		group Group
		rank  int
	}
	var buckets []*bucket
	index := make(map[string]*bucket)
	for _, it := range matched {
		key, rank := groupKey(it, p.GroupBy)
		b, ok := index[key]
		if !ok {
			b = &bucket{group: Group{Key: key}, rank: rank}
			index[key] = b
			buckets = append(buckets, b)
		}
		b.group.Items = append(b.group.Items, it)
	}
	slices.SortStableFunc(buckets, func(a, b *bucket) int {
		if c := cmp.Compare(a.rank, b.rank); c != 0 {
			return c
		}
		switch {
		case a.group.Key == b.group.Key:
			return 0
		case a.group.Key == "":
			return 1
		case b.group.Key == "":
			return -1
		}
		return strings.Compare(a.group.Key, b.group.Key)
	})

	out := make([]Group, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.group)
	}
	return out
}
