package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/types"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// mutate runs fn against the working copy and, on success, marks the store
// dirty and schedules a save. The working copy cannot be swapped out between
// fn and markDirty.
func (s *Store) mutate(ctx context.Context, op string, fn func(conn *sql.DB, l *layout) error) error {
	s.swapMu.RLock()
	defer s.swapMu.RUnlock()
	conn, l, release, err := s.db()
	if err != nil {
		return err
	}
	err = fn(conn, l)
	release()
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			return err
		}
		return errs.E(errs.KindCatastrophic, op, err)
	}
	s.markDirty()
	return nil
}

// CreateItem inserts a new item with its labels and optional parent edge in
// one transaction and returns the generated id.
func (s *Store) CreateItem(ctx context.Context, in types.CreateInput) (string, error) {
	now := s.cfg.Now()
	if err := in.Normalize(now); err != nil {
		return "", err
	}

	var id string
	err := s.mutate(ctx, "item.create", func(conn *sql.DB, l *layout) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if id, err = s.newID(ctx, tx); err != nil {
			return err
		}
		if in.Parent != "" {
			if err := requireItem(ctx, tx, in.Parent); err != nil {
				return err
			}
		}

		cols := []string{"id", "title", "status", "priority"}
		args := []any{id, in.Title, string(in.Status), *in.Priority}
		add := func(col string, v any) {
			if l.columns[col] {
				cols = append(cols, col)
				args = append(args, v)
			}
		}
		add("issue_type", in.IssueType)
		add("description", in.Description)
		add("design", in.Design)
		add("acceptance_criteria", in.AcceptanceCriteria)
		add("notes", in.Notes)
		add("assignee", nullString(in.Assignee))
		add("external_ref", nullString(in.ExternalRef))
		add("created_at", now)
		add("updated_at", now)
		if in.DueAt != nil {
			add("due_at", *in.DueAt)
		}
		if in.DeferUntil != nil {
			add("defer_until", *in.DeferUntil)
		}
		if in.Status == types.StatusClosed {
			add("closed_at", now)
		}

		query := fmt.Sprintf("INSERT INTO issues (%s) VALUES (%s)",
			strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}

		for _, label := range in.Labels {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)`, id, label); err != nil {
				return fmt.Errorf("failed to add label %s: %w", label, err)
			}
		}
		if in.Parent != "" {
			dep := types.Dependency{From: in.Parent, To: id, Type: types.DepParentChild}
			if err := s.insertEdge(ctx, tx, l, dep); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.logger.Printf("Created %s: %s", id, in.Title)
	return id, nil
}

// newID returns an unused id of the form <prefix>-<6 hex>.
func (s *Store) newID(ctx context.Context, q execer) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		u := uuid.New()
		id := s.prefix + "-" + hex.EncodeToString(u[:3])
		var n int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE id = ?`, id).Scan(&n); err != nil {
			return "", fmt.Errorf("failed to check id: %w", err)
		}
		if n == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique id")
}

// UpdateItem applies a partial update.
func (s *Store) UpdateItem(ctx context.Context, id string, patch types.Patch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	now := s.cfg.Now()
	due, err := optionalDate(patch.Due, now)
	if err != nil {
		return err
	}
	deferUntil, err := optionalDate(patch.Defer, now)
	if err != nil {
		return err
	}

	return s.mutate(ctx, "item.update", func(conn *sql.DB, l *layout) error {
		var sets []string
		var args []any
		set := func(col string, v any) error {
			if !l.columns[col] {
				return errs.Validation("item.update", "this database has no %s field", col)
			}
			sets = append(sets, col+" = ?")
			args = append(args, v)
			return nil
		}
		fields := []struct {
			col string
			val *string
		}{
			{"title", patch.Title},
			{"description", patch.Description},
			{"issue_type", patch.IssueType},
			{"design", patch.Design},
			{"acceptance_criteria", patch.AcceptanceCriteria},
			{"notes", patch.Notes},
		}
		for _, f := range fields {
			if f.val != nil {
				if err := set(f.col, *f.val); err != nil {
					return err
				}
			}
		}
		if patch.Assignee != nil {
			if err := set("assignee", nullString(*patch.Assignee)); err != nil {
				return err
			}
		}
		if patch.ExternalRef != nil {
			if err := set("external_ref", nullString(*patch.ExternalRef)); err != nil {
				return err
			}
		}
		if patch.Priority != nil {
			if err := set("priority", *patch.Priority); err != nil {
				return err
			}
		}
		if patch.Pinned != nil {
			if err := set("pinned", boolInt(*patch.Pinned)); err != nil {
				return err
			}
		}
		if patch.Due != nil {
			if err := set("due_at", due); err != nil {
				return err
			}
		}
		if patch.Defer != nil {
			if err := set("defer_until", deferUntil); err != nil {
				return err
			}
		}
		if l.columns["updated_at"] {
			sets = append(sets, "updated_at = ?")
			args = append(args, now)
		}

		args = append(args, id)
		res, err := conn.ExecContext(ctx, "UPDATE issues SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", id, err)
		}
		return expectRow(res, id)
	})
}

// SetStatus changes an item's status, maintaining closed_at.
func (s *Store) SetStatus(ctx context.Context, id string, status types.Status) error {
	if !status.IsValid() {
		return errs.Validation("item.status", "unknown status %q", status)
	}
	now := s.cfg.Now()
	return s.mutate(ctx, "item.status", func(conn *sql.DB, l *layout) error {
		sets := []string{"status = ?"}
		args := []any{string(status)}
		if l.columns["updated_at"] {
			sets = append(sets, "updated_at = ?")
			args = append(args, now)
		}
		if l.columns["closed_at"] {
			sets = append(sets, "closed_at = ?")
			if status == types.StatusClosed {
				args = append(args, now)
			} else {
				args = append(args, nil)
			}
		}
		args = append(args, id)
		res, err := conn.ExecContext(ctx, "UPDATE issues SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return fmt.Errorf("failed to set status of %s: %w", id, err)
		}
		return expectRow(res, id)
	})
}

// DeleteItem removes an item with its labels, edges and comments.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	return s.mutate(ctx, "item.delete", func(conn *sql.DB, l *layout) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmts := []string{
			`DELETE FROM labels WHERE issue_id = ?`,
			`DELETE FROM dependencies WHERE issue_id = ?1 OR depends_on_id = ?1`,
		}
		if l.hasComments {
			stmts = append(stmts, `DELETE FROM comments WHERE issue_id = ?`)
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", id, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
		if err := expectRow(res, id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// AddComment appends a comment.
func (s *Store) AddComment(ctx context.Context, id, author, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errs.Validation("comment.add", "comment text is required")
	}
	if author == "" {
		author = s.cfg.Actor
	}
	now := s.cfg.Now()
	return s.mutate(ctx, "comment.add", func(conn *sql.DB, l *layout) error {
		if !l.hasComments {
			return errs.Validation("comment.add", "this database has no comments table")
		}
		if err := requireItem(ctx, conn, id); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO comments (issue_id, author, text, created_at) VALUES (?, ?, ?, ?)`,
			id, author, text, now); err != nil {
			return fmt.Errorf("failed to add comment to %s: %w", id, err)
		}
		return nil
	})
}

// AddLabel attaches a label. Adding an existing label is a no-op.
func (s *Store) AddLabel(ctx context.Context, id, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return errs.Validation("label.add", "label is required")
	}
	return s.mutate(ctx, "label.add", func(conn *sql.DB, l *layout) error {
		if err := requireItem(ctx, conn, id); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)`, id, label); err != nil {
			return fmt.Errorf("failed to add label %s to %s: %w", label, id, err)
		}
		return nil
	})
}

// RemoveLabel detaches a label. Removing a missing label is a no-op.
func (s *Store) RemoveLabel(ctx context.Context, id, label string) error {
	return s.mutate(ctx, "label.remove", func(conn *sql.DB, l *layout) error {
		if _, err := conn.ExecContext(ctx,
			`DELETE FROM labels WHERE issue_id = ? AND label = ?`, id, strings.TrimSpace(label)); err != nil {
			return fmt.Errorf("failed to remove label %s from %s: %w", label, id, err)
		}
		return nil
	})
}

// AddDependency records an edge. Both endpoints must exist.
func (s *Store) AddDependency(ctx context.Context, dep types.Dependency) error {
	if err := dep.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, "dependency.add", func(conn *sql.DB, l *layout) error {
		for _, id := range []string{dep.From, dep.To} {
			if err := requireItem(ctx, conn, id); err != nil {
				return err
			}
		}
		return s.insertEdge(ctx, conn, l, dep)
	})
}

func (s *Store) insertEdge(ctx context.Context, q execer, l *layout, dep types.Dependency) error {
	cols := []string{"issue_id", "depends_on_id", "type"}
	args := []any{dep.To, dep.From, string(dep.Type)}
	if l.depColumns["created_at"] {
		cols = append(cols, "created_at")
		args = append(args, s.cfg.Now())
	}
	if l.depColumns["created_by"] {
		cols = append(cols, "created_by")
		args = append(args, s.cfg.Actor)
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO dependencies (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to add dependency %s--%s--%s: %w", dep.From, dep.Type, dep.To, err)
	}
	return nil
}

// RemoveDependency deletes an edge. Removing a missing edge is a no-op.
func (s *Store) RemoveDependency(ctx context.Context, dep types.Dependency) error {
	if err := dep.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, "dependency.remove", func(conn *sql.DB, l *layout) error {
		if _, err := conn.ExecContext(ctx,
			`DELETE FROM dependencies WHERE issue_id = ? AND depends_on_id = ? AND type = ?`,
			dep.To, dep.From, string(dep.Type)); err != nil {
			return fmt.Errorf("failed to remove dependency %s--%s--%s: %w", dep.From, dep.Type, dep.To, err)
		}
		return nil
	})
}

func requireItem(ctx context.Context, q execer, id string) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to look up %s: %w", id, err)
	}
	if n == 0 {
		return errs.E(errs.KindValidation, "lookup", fmt.Errorf("%w: %s", errs.ErrNotFound, id))
	}
	return nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return errs.E(errs.KindValidation, "lookup", fmt.Errorf("%w: %s", errs.ErrNotFound, id))
	}
	return nil
}

func optionalDate(expr *string, now time.Time) (any, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return nil, nil
	}
	t, err := types.ParseWhen(*expr, now)
	if err != nil {
		return nil, err
	}
	return *t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
