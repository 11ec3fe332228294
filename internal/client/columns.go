package client

import (
	"sync"

	"github.com/steveyegge/beadsboard/internal/types"
)

// ColumnState is the pagination state of one column.
type ColumnState struct {
	Column types.Column

	// IDs lists the loaded cards in display order.
	IDs []string

	// Offset is where the next page starts. It never decreases until the
	// column is reset.
	Offset int

	TotalCount int
	HasMore    bool
	Loading    bool
}

// Columns tracks every column of one board. It is safe for concurrent use.
type Columns struct {
	mu    sync.Mutex
	state map[types.Column]*ColumnState
}

// NewColumns creates empty state for every column.
func NewColumns() *Columns {
	c := &Columns{state: make(map[types.Column]*ColumnState, len(types.Columns))}
	c.Reset()
	return c
}

// Reset empties every column.
func (c *Columns) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, col := range types.Columns {
		c.state[col] = &ColumnState{Column: col}
	}
}

// Get returns a copy of one column's state.
func (c *Columns) Get(col types.Column) ColumnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[col]
	if !ok {
		return ColumnState{Column: col}
	}
	out := *s
	out.IDs = append([]string(nil), s.IDs...)
	return out
}

// Begin marks col as loading. It returns false if a load is already in
// flight or the column has nothing more to load.
func (c *Columns) Begin(col types.Column) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[col]
	if !ok || s.Loading {
		return false
	}
	if s.Offset > 0 && !s.HasMore {
		return false
	}
	s.Loading = true
	return true
}

// End clears the loading flag without applying a page.
func (c *Columns) End(col types.Column) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state[col]; ok {
		s.Loading = false
	}
}

// Apply records a loaded page: its cards are appended unless already
// present, the next offset becomes the furthest end seen so far and HasMore
// is recomputed from the total.
func (c *Columns) Apply(page *types.ColumnPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[page.Column]
	if !ok {
		return
	}
	seen := make(map[string]struct{}, len(s.IDs))
	for _, id := range s.IDs {
		seen[id] = struct{}{}
	}
	for _, it := range page.Items {
		if _, dup := seen[it.ID]; !dup {
			s.IDs = append(s.IDs, it.ID)
			seen[it.ID] = struct{}{}
		}
	}
	end := page.Offset + page.Limit
	if page.Limit <= 0 {
		end = page.Offset + len(page.Items)
	}
	s.Offset = max(s.Offset, end)
	s.TotalCount = page.TotalCount
	s.HasMore = s.Offset < s.TotalCount
	s.Loading = false
}

// ApplySnapshot resets every column to the first limit cards of board.
// A limit of zero loads whole columns.
func (c *Columns) ApplySnapshot(board *types.Board, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, col := range types.Columns {
		items := board.ColumnItems(col)
		if limit > 0 && len(items) > limit {
			items = items[:limit]
		}
		s := &ColumnState{Column: col, TotalCount: board.Counts[col], Offset: len(items)}
		s.IDs = make([]string, 0, len(items))
		for _, it := range items {
			s.IDs = append(s.IDs, it.ID)
		}
		s.HasMore = s.Offset < s.TotalCount
		c.state[col] = s
	}
}
