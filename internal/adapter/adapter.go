// Package adapter defines the contract every board backend satisfies and
// picks the backend for a workspace.
//
// Two implementations exist: sqlite.Store edits a beads database file
// through a private working copy, and bdcli.Adapter drives the bd command
// line tool. The bridge only ever sees this interface.
package adapter

import (
	"context"

	"github.com/steveyegge/beadsboard/internal/types"
)

// Adapter is a board backend.
//
// Every error returned is an *errs.Error carrying a kind, so callers can
// decide between retrying, showing a validation message or giving up.
// Unknown columns are always validation errors.
type Adapter interface {
	// GetBoard returns a classified snapshot of every item.
	//
	// Items carry summary and enriched fields plus relationships; comments
	// are only counted.
	GetBoard(ctx context.Context) (*types.Board, error)

	// GetColumnCount returns the number of items in col.
	GetColumnCount(ctx context.Context, col types.Column) (int, error)

	// GetColumnData returns one page of col in board order.
	//
	// An offset past the end yields an empty page with HasMore false.
	//
	// Example:
	//   page, err := a.GetColumnData(ctx, types.ColumnReady, 0, 50)
	GetColumnData(ctx context.Context, col types.Column, offset, limit int) (*types.ColumnPage, error)

	// GetItem returns one item at full detail, comments included.
	// Returns an error wrapping errs.ErrNotFound for unknown ids.
	GetItem(ctx context.Context, id string) (*types.Item, error)

	// CreateItem creates an item and returns its id.
	CreateItem(ctx context.Context, in types.CreateInput) (string, error)

	// UpdateItem applies a partial update. Nil patch fields are unchanged.
	UpdateItem(ctx context.Context, id string, patch types.Patch) error

	// SetStatus moves an item to status. Closing stamps the close time;
	// any other status clears it.
	SetStatus(ctx context.Context, id string, status types.Status) error

	// DeleteItem removes an item with its labels, edges and comments.
	DeleteItem(ctx context.Context, id string) error

	// AddComment appends a comment. An empty author is recorded as the
	// backend's default actor.
	AddComment(ctx context.Context, id, author, text string) error

	// AddLabel adds a label. Adding an existing label is a no-op.
	AddLabel(ctx context.Context, id, label string) error

	// RemoveLabel removes a label. Removing a missing label is a no-op.
	RemoveLabel(ctx context.Context, id, label string) error

	// AddDependency records dep.
	//
	// Example:
	//   // bd-1 blocks bd-2
	//   err := a.AddDependency(ctx, types.Dependency{From: "bd-1", To: "bd-2", Type: types.DepBlocks})
	AddDependency(ctx context.Context, dep types.Dependency) error

	// RemoveDependency deletes dep.
	RemoveDependency(ctx context.Context, dep types.Dependency) error

	// Reload discards cached state and rereads the backing store. Pending
	// local edits are persisted first.
	Reload(ctx context.Context) error

	// IsRecentSelfChange reports whether a file change seen now was most
	// likely caused by this adapter's own write.
	IsRecentSelfChange() bool

	// WatchPattern returns the file or glob whose changes mean the board
	// may be stale.
	WatchPattern() string

	// Close persists pending edits and releases every resource. Calls after
	// Close fail with errs.ErrDisposed.
	Close() error
}
