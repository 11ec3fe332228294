package types

import (
	"strings"

	"github.com/steveyegge/beadsboard/internal/errs"
)

// Column is the board bucket an item is displayed in. It is never stored.
type Column string

const (
	ColumnReady      Column = "ready"
	ColumnInProgress Column = "in_progress"
	ColumnBlocked    Column = "blocked"
	ColumnClosed     Column = "closed"
)

// Columns lists every column in display order.
var Columns = []Column{ColumnReady, ColumnInProgress, ColumnBlocked, ColumnClosed}

// ParseColumn validates a column name. Unknown names are an error, never a
// default.
func ParseColumn(s string) (Column, error) {
	c := Column(strings.TrimSpace(s))
	switch c {
	case ColumnReady, ColumnInProgress, ColumnBlocked, ColumnClosed:
		return c, nil
	}
	return "", errs.Validation("column", "unknown column %q", s)
}

// Classify maps an item's status and blocking state to its column.
//
// Rules apply in order:
//  1. closed status is always closed
//  2. ready items are ready
//  3. in_progress status is in_progress
//  4. blocked status or any open blocker is blocked
//  5. anything else is blocked
//
// Rule 5 covers open items that the store does not consider ready but that
// have no direct blocker, typically transitive blocking through a parent.
func Classify(status Status, isReady bool, blockedByCount int) Column {
	switch {
	case status == StatusClosed:
		return ColumnClosed
	case isReady:
		return ColumnReady
	case status == StatusInProgress:
		return ColumnInProgress
	case status == StatusBlocked || blockedByCount > 0:
		return ColumnBlocked
	default:
		return ColumnBlocked
	}
}

// ColumnSQL is the SQL expression equivalent to Classify over the issues
// table aliased as i, the ready_issues view aliased as r and the
// blocked_issues view aliased as b.
const ColumnSQL = `CASE
	WHEN i.status = 'closed' THEN 'closed'
	WHEN r.id IS NOT NULL THEN 'ready'
	WHEN i.status = 'in_progress' THEN 'in_progress'
	ELSE 'blocked'
END`
