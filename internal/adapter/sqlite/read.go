package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/types"
)

// GetBoard returns every visible item, classified, with relationships.
//
// Snapshots are reused for CacheTTL and concurrent callers share one load.
// Any mutation or reload invalidates the cached snapshot. Callers must not
// modify the returned board.
func (s *Store) GetBoard(ctx context.Context) (*types.Board, error) {
	if err := s.checkExternal(ctx); err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	if s.cache != nil && s.cfg.Now().Sub(s.cacheAt) < s.cfg.CacheTTL {
		b := s.cache
		s.cacheMu.Unlock()
		return b, nil
	}
	gen := s.cacheGen
	s.cacheMu.Unlock()

	v, err, _ := s.boardGroup.Do("board:"+strconv.FormatUint(gen, 10), func() (any, error) {
		board, err := s.loadBoard(ctx)
		if err != nil {
			return nil, err
		}
		s.cacheMu.Lock()
		if s.cacheGen == gen {
			s.cache, s.cacheAt = board, s.cfg.Now()
		}
		s.cacheMu.Unlock()
		return board, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Board), nil
}

func (s *Store) invalidate() {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheGen++
	s.cacheMu.Unlock()
}

func (s *Store) loadBoard(ctx context.Context) (*types.Board, error) {
	conn, l, release, err := s.db()
	if err != nil {
		return nil, err
	}
	defer release()

	query := "SELECT " + l.itemColumns() + "\nFROM " + l.itemFrom() +
		"\nWHERE " + l.visible() +
		"\nORDER BY i.priority ASC, i.updated_at DESC, i.id ASC"
	var args []any
	if s.cfg.MaxItems > 0 {
		query += "\nLIMIT ?"
		args = append(args, s.cfg.MaxItems)
	}

	items, err := queryItems(ctx, conn, query, args...)
	if err != nil {
		return nil, err
	}
	if err := attachRelations(ctx, conn, items); err != nil {
		return nil, err
	}
	types.SortItems(items)
	return types.NewBoard(items, s.cfg.Now()), nil
}

// GetColumnCount returns the number of items in one column.
func (s *Store) GetColumnCount(ctx context.Context, col types.Column) (int, error) {
	if _, err := types.ParseColumn(string(col)); err != nil {
		return 0, err
	}
	if err := s.checkExternal(ctx); err != nil {
		return 0, err
	}
	conn, l, release, err := s.db()
	if err != nil {
		return 0, err
	}
	defer release()

	query := "SELECT COUNT(*) FROM " + l.itemFrom() +
		"\nWHERE " + l.visible() + " AND (" + types.ColumnSQL + ") = ?"
	var n int
	if err := conn.QueryRowContext(ctx, query, string(col)).Scan(&n); err != nil {
		return 0, errs.E(errs.KindCatastrophic, "column.count", fmt.Errorf("failed to count column %s: %w", col, err))
	}
	return n, nil
}

// GetColumnData returns one page of a column, classified in SQL with the
// same rules as types.Classify.
func (s *Store) GetColumnData(ctx context.Context, col types.Column, offset, limit int) (*types.ColumnPage, error) {
	if _, err := types.ParseColumn(string(col)); err != nil {
		return nil, err
	}
	if offset < 0 || limit <= 0 {
		return nil, errs.Validation("column.load", "invalid range offset=%d limit=%d", offset, limit)
	}
	total, err := s.GetColumnCount(ctx, col)
	if err != nil {
		return nil, err
	}

	conn, l, release, err := s.db()
	if err != nil {
		return nil, err
	}
	defer release()

	query := "SELECT " + l.itemColumns() + "\nFROM " + l.itemFrom() +
		"\nWHERE " + l.visible() + " AND (" + types.ColumnSQL + ") = ?" +
		"\nORDER BY i.priority ASC, i.updated_at DESC, i.id ASC\nLIMIT ? OFFSET ?"
	items, err := queryItems(ctx, conn, query, string(col), limit, offset)
	if err != nil {
		return nil, err
	}
	if err := attachRelations(ctx, conn, items); err != nil {
		return nil, err
	}
	for _, it := range items {
		it.Classify()
	}

	return &types.ColumnPage{
		Column:     col,
		Items:      items,
		Offset:     offset,
		Limit:      limit,
		TotalCount: total,
		HasMore:    offset+len(items) < total,
	}, nil
}

// GetItem returns one item at full detail, including comments.
func (s *Store) GetItem(ctx context.Context, id string) (*types.Item, error) {
	if err := s.checkExternal(ctx); err != nil {
		return nil, err
	}
	conn, l, release, err := s.db()
	if err != nil {
		return nil, err
	}
	defer release()

	query := "SELECT " + l.itemColumns() + "\nFROM " + l.itemFrom() + "\nWHERE i.id = ?"
	items, err := queryItems(ctx, conn, query, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errs.E(errs.KindValidation, "item.detail", fmt.Errorf("%w: %s", errs.ErrNotFound, id))
	}
	if err := attachRelations(ctx, conn, items); err != nil {
		return nil, err
	}
	it := items[0]
	it.Classify()

	if l.hasComments {
		comments, err := loadComments(ctx, conn, id)
		if err != nil {
			return nil, err
		}
		it.Comments = comments
		it.CommentCount = len(comments)
	}
	return it, nil
}

func queryItems(ctx context.Context, conn *sql.DB, query string, args ...any) ([]*types.Item, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.E(errs.KindCatastrophic, "query", fmt.Errorf("failed to query items: %w", err))
	}
	defer rows.Close()

	var items []*types.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, errs.E(errs.KindCatastrophic, "query", fmt.Errorf("failed to scan item: %w", err))
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.KindCatastrophic, "query", fmt.Errorf("failed to read items: %w", err))
	}
	return items, nil
}

func scanItem(rows *sql.Rows) (*types.Item, error) {
	var (
		it                                   types.Item
		status                               string
		createdAt, updatedAt, closedAt       any
		dueAt, deferUntil                    any
		pinned, isTemplate, ephemeral, ready int
		metadata                             sql.NullString
	)
	err := rows.Scan(
		&it.ID,
		&it.Title,
		&status,
		&it.Priority,
		&it.IssueType,
		&it.Assignee,
		&createdAt,
		&updatedAt,
		&closedAt,
		&dueAt,
		&deferUntil,
		&pinned,
		&isTemplate,
		&ephemeral,
		&it.Description,
		&it.Design,
		&it.AcceptanceCriteria,
		&it.Notes,
		&it.ExternalRef,
		&metadata,
		&ready,
		&it.BlockedByCount,
		&it.CommentCount,
	)
	if err != nil {
		return nil, err
	}

	it.Status = types.Status(status)
	it.Pinned = pinned != 0
	it.IsTemplate = isTemplate != 0
	it.Ephemeral = ephemeral != 0
	it.IsReady = ready != 0
	if t := toTime(createdAt); t != nil {
		it.CreatedAt = *t
	}
	if t := toTime(updatedAt); t != nil {
		it.UpdatedAt = *t
	}
	it.ClosedAt = toTime(closedAt)
	it.DueAt = toTime(dueAt)
	it.DeferUntil = toTime(deferUntil)
	if metadata.Valid && metadata.String != "" && json.Valid([]byte(metadata.String)) {
		it.Metadata = json.RawMessage(metadata.String)
	}
	return &it, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// toTime converts a scanned DATETIME value. The driver yields time.Time for
// columns it recognizes and strings or unix seconds otherwise.
func toTime(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return &t
	case int64:
		u := time.Unix(t, 0).UTC()
		return &u
	case []byte:
		return toTime(string(t))
	case string:
		if t == "" {
			return nil
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return &parsed
			}
		}
	}
	return nil
}

// idsJSON encodes ids for json_each so a whole id set binds as one
// parameter.
func idsJSON(items []*types.Item) string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// attachRelations loads labels and edges for all items in two queries and
// builds relationships in one pass.
func attachRelations(ctx context.Context, conn *sql.DB, items []*types.Item) error {
	if len(items) == 0 {
		return nil
	}
	ids := idsJSON(items)

	labels, err := loadLabels(ctx, conn, ids)
	if err != nil {
		return err
	}
	edges, err := loadEdges(ctx, conn, ids)
	if err != nil {
		return err
	}
	rel := types.BuildRelations(edges)
	for _, it := range items {
		it.Labels = labels[it.ID]
		it.ApplyRelations(rel)
	}
	return nil
}

func loadLabels(ctx context.Context, conn *sql.DB, ids string) (map[string][]string, error) {
	rows, err := conn.QueryContext(ctx, `
	SELECT issue_id, label FROM labels
	WHERE issue_id IN (SELECT value FROM json_each(?))
	ORDER BY issue_id, label`, ids)
	if err != nil {
		return nil, errs.E(errs.KindCatastrophic, "labels", fmt.Errorf("failed to load labels: %w", err))
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, errs.E(errs.KindCatastrophic, "labels", fmt.Errorf("failed to scan label: %w", err))
		}
		out[id] = append(out[id], label)
	}
	return out, rows.Err()
}

// loadEdges returns edges touching any of ids. On disk a row
// (issue_id, depends_on_id, type) means depends_on_id -> issue_id.
func loadEdges(ctx context.Context, conn *sql.DB, ids string) ([]types.Dependency, error) {
	rows, err := conn.QueryContext(ctx, `
	SELECT depends_on_id, issue_id, type FROM dependencies
	WHERE type IN ('blocks', 'parent-child')
	  AND (issue_id IN (SELECT value FROM json_each(?1))
	    OR depends_on_id IN (SELECT value FROM json_each(?1)))`, ids)
	if err != nil {
		return nil, errs.E(errs.KindCatastrophic, "dependencies", fmt.Errorf("failed to load dependencies: %w", err))
	}
	defer rows.Close()

	var edges []types.Dependency
	for rows.Next() {
		var d types.Dependency
		var typ string
		if err := rows.Scan(&d.From, &d.To, &typ); err != nil {
			return nil, errs.E(errs.KindCatastrophic, "dependencies", fmt.Errorf("failed to scan dependency: %w", err))
		}
		d.Type = types.DependencyType(typ)
		edges = append(edges, d)
	}
	return edges, rows.Err()
}

func loadComments(ctx context.Context, conn *sql.DB, id string) ([]types.Comment, error) {
	rows, err := conn.QueryContext(ctx, `
	SELECT id, issue_id, author, text, created_at FROM comments
	WHERE issue_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, errs.E(errs.KindCatastrophic, "comments", fmt.Errorf("failed to load comments: %w", err))
	}
	defer rows.Close()

	var out []types.Comment
	for rows.Next() {
		var c types.Comment
		var created any
		if err := rows.Scan(&c.ID, &c.ItemID, &c.Author, &c.Text, &created); err != nil {
			return nil, errs.E(errs.KindCatastrophic, "comments", fmt.Errorf("failed to scan comment: %w", err))
		}
		if t := toTime(created); t != nil {
			c.CreatedAt = *t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
