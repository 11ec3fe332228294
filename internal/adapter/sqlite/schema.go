package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// schema is the beads SQLite layout. Stores written by bd carry many more
// issue columns; the adapter reads whatever subset it finds.
const schema = `
CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	design TEXT NOT NULL DEFAULT '',
	acceptance_criteria TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	priority INTEGER NOT NULL DEFAULT 2,
	issue_type TEXT NOT NULL DEFAULT 'task',
	assignee TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	closed_at DATETIME,
	external_ref TEXT,
	ephemeral INTEGER DEFAULT 0,
	pinned INTEGER DEFAULT 0,
	is_template INTEGER DEFAULT 0,
	due_at DATETIME,
	defer_until DATETIME,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS dependencies (
	issue_id TEXT NOT NULL,
	depends_on_id TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'blocks',
	created_at DATETIME NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (issue_id, depends_on_id),
	FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE,
	FOREIGN KEY (depends_on_id) REFERENCES issues(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS labels (
	issue_id TEXT NOT NULL,
	label TEXT NOT NULL,
	PRIMARY KEY (issue_id, label),
	FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id TEXT NOT NULL,
	author TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_priority ON issues(priority);
CREATE INDEX IF NOT EXISTS idx_dependencies_depends_on_type ON dependencies(depends_on_id, type);
CREATE INDEX IF NOT EXISTS idx_labels_label ON labels(label);
CREATE INDEX IF NOT EXISTS idx_comments_issue ON comments(issue_id);
`

// readySelect lists open, non-ephemeral items with no open blocker,
// directly or through a blocked ancestor.
const readySelect = `
WITH RECURSIVE
  blocked_directly AS (
    SELECT DISTINCT d.issue_id
    FROM dependencies d
    JOIN issues blocker ON d.depends_on_id = blocker.id
    WHERE d.type = 'blocks'
      AND blocker.status IN ('open', 'in_progress', 'blocked', 'deferred', 'hooked')
  ),
  blocked_transitively AS (
    SELECT issue_id, 0 AS depth
    FROM blocked_directly
    UNION ALL
    SELECT d.issue_id, bt.depth + 1
    FROM blocked_transitively bt
    JOIN dependencies d ON d.depends_on_id = bt.issue_id
    WHERE d.type = 'parent-child'
      AND bt.depth < 50
  )
SELECT i.*
FROM issues i
WHERE i.status = 'open'
  AND (i.ephemeral = 0 OR i.ephemeral IS NULL)
  AND NOT EXISTS (
    SELECT 1 FROM blocked_transitively WHERE issue_id = i.id
  )`

// blockedSelect counts open blockers per item.
const blockedSelect = `
SELECT
    i.*,
    COUNT(d.depends_on_id) AS blocked_by_count
FROM issues i
JOIN dependencies d ON i.id = d.issue_id
JOIN issues blocker ON d.depends_on_id = blocker.id
WHERE i.status IN ('open', 'in_progress', 'blocked', 'deferred', 'hooked')
  AND d.type = 'blocks'
  AND blocker.status IN ('open', 'in_progress', 'blocked', 'deferred', 'hooked')
GROUP BY i.id`

var views = []string{
	"CREATE VIEW IF NOT EXISTS ready_issues AS " + readySelect + ";",
	"CREATE VIEW IF NOT EXISTS blocked_issues AS " + blockedSelect + ";",
}

// Create initializes an empty beads store at path with the given id prefix.
// It fails if path already holds a database with an issues table.
func Create(ctx context.Context, path, prefix string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	conn, err := openConn(path, false)
	if err != nil {
		return err
	}
	defer conn.Close()

	var exists int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='issues'`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to inspect database: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("database already initialized")
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	for _, v := range views {
		if _, err := conn.ExecContext(ctx, v); err != nil {
			return fmt.Errorf("failed to create view: %w", err)
		}
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = DefaultPrefix
	}
	if _, err := conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (key, value) VALUES ('issue_prefix', ?)`, prefix); err != nil {
		return fmt.Errorf("failed to set issue prefix: %w", err)
	}
	return nil
}

// layout records which optional parts of the beads schema a store has.
type layout struct {
	columns     map[string]bool
	depColumns  map[string]bool
	hasComments bool
	hasConfig   bool
	hasReady    bool
	hasBlocked  bool
}

func inspect(ctx context.Context, conn *sql.DB) (*layout, error) {
	l := &layout{}
	var err error
	if l.columns, err = tableColumns(ctx, conn, "issues"); err != nil {
		return nil, err
	}
	for _, required := range []string{"id", "title", "status", "priority"} {
		if !l.columns[required] {
			return nil, fmt.Errorf("issues table has no %s column", required)
		}
	}
	if l.depColumns, err = tableColumns(ctx, conn, "dependencies"); err != nil {
		return nil, err
	}
	if len(l.depColumns) == 0 {
		return nil, fmt.Errorf("dependencies table is missing")
	}

	rows, err := conn.QueryContext(ctx, `SELECT type, name FROM sqlite_master WHERE type IN ('table', 'view')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schema objects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, name string
		if err := rows.Scan(&typ, &name); err != nil {
			return nil, fmt.Errorf("failed to scan schema object: %w", err)
		}
		switch name {
		case "comments":
			l.hasComments = true
		case "config":
			l.hasConfig = true
		case "ready_issues":
			l.hasReady = typ == "view"
		case "blocked_issues":
			l.hasBlocked = typ == "view"
		}
	}
	return l, rows.Err()
}

func tableColumns(ctx context.Context, conn *sql.DB, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s columns: %w", table, err)
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan %s column: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// readySource is the FROM fragment yielding ready item ids.
func (l *layout) readySource() string {
	if l.hasReady {
		return "(SELECT id FROM ready_issues)"
	}
	q := readySelect
	if !l.columns["ephemeral"] {
		q = strings.Replace(q, "AND (i.ephemeral = 0 OR i.ephemeral IS NULL)", "", 1)
	}
	return "(SELECT id FROM (" + q + "))"
}

// blockedSource is the FROM fragment yielding (id, blocked_by_count).
func (l *layout) blockedSource() string {
	if l.hasBlocked {
		return "(SELECT id, blocked_by_count FROM blocked_issues)"
	}
	return "(SELECT id, blocked_by_count FROM (" + blockedSelect + "))"
}

func (l *layout) text(col string) string {
	if l.columns[col] {
		return "COALESCE(i." + col + ", '')"
	}
	return "''"
}

func (l *layout) nullable(col string) string {
	if l.columns[col] {
		return "i." + col
	}
	return "NULL"
}

func (l *layout) flag(col string) string {
	if l.columns[col] {
		return "COALESCE(i." + col + ", 0)"
	}
	return "0"
}

// itemColumns is the select list scanned by scanItem, in order.
func (l *layout) itemColumns() string {
	commentCount := "0"
	if l.hasComments {
		commentCount = "(SELECT COUNT(*) FROM comments c WHERE c.issue_id = i.id)"
	}
	issueType := "'task'"
	if l.columns["issue_type"] {
		issueType = "COALESCE(i.issue_type, 'task')"
	}
	return strings.Join([]string{
		"i.id",
		"i.title",
		"i.status",
		"i.priority",
		issueType,
		l.text("assignee"),
		l.nullable("created_at"),
		l.nullable("updated_at"),
		l.nullable("closed_at"),
		l.nullable("due_at"),
		l.nullable("defer_until"),
		l.flag("pinned"),
		l.flag("is_template"),
		l.flag("ephemeral"),
		l.text("description"),
		l.text("design"),
		l.text("acceptance_criteria"),
		l.text("notes"),
		l.text("external_ref"),
		l.nullable("metadata"),
		"r.id IS NOT NULL",
		"COALESCE(b.blocked_by_count, 0)",
		commentCount,
	}, ",\n\t")
}

// itemFrom is the FROM clause joining items against both projections.
func (l *layout) itemFrom() string {
	return "issues i\n\tLEFT JOIN " + l.readySource() + " r ON r.id = i.id" +
		"\n\tLEFT JOIN " + l.blockedSource() + " b ON b.id = i.id"
}

// visible excludes tombstones and soft-deleted rows.
func (l *layout) visible() string {
	cond := "i.status != 'tombstone'"
	if l.columns["deleted_at"] {
		cond += " AND i.deleted_at IS NULL"
	}
	return cond
}
